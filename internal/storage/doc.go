// Package storage provides libvirt storage pool and volume operations for
// the backup backend.
//
// This package handles:
//   - Pool inspection (capacity, free space, refresh, list)
//   - Volume operations (create, copy, delete, list, lookup by path)
//   - Volume data transfer (upload and download of small volumes such as
//     backup descriptors)
//
// Storage Layout:
//
// Two pools take part in a backup run:
//   - the storage pool (storage_domain), which holds the disks of clones
//   - the export pool (export_domain), which holds exported backups
//
// Volume Naming Convention:
//
// Volumes follow a predictable naming pattern (see internal/naming package):
//   - Clone or backup disk: {clone-name}_{device}.qcow2
//   - Backup descriptor: {backup-name}.backup.iso
//
// Consumer-Side Interface:
//
// LibvirtClient lists the go-libvirt calls this package makes. The
// *libvirt.Libvirt type satisfies it implicitly; tests use an in-memory
// mock.
//
// Example usage:
//
//	mgr := storage.NewManager(client.Libvirt())
//
//	info, err := mgr.GetPoolInfo(ctx, "backups")
//	if err != nil {
//	    return err
//	}
//
//	src, err := mgr.LookupVolumeByPath(ctx, "/var/lib/libvirt/images/db1.qcow2")
//	if err != nil {
//	    return err
//	}
//	if err := mgr.CopyVolume(ctx, src, "backups", "db1_BAK_20240101_120000_vda.qcow2", storage.VolumeFormatQCOW2); err != nil {
//	    return err
//	}
package storage
