// Package libvirt implements the backup platform on top of libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect by URI or unix socket, disconnect, ping)
//   - A platform.Session that maps the backup pipeline onto libvirt objects
//   - Classification of libvirt errors into platform error kinds
//
// Object Mapping:
//
//	VM              libvirt domain (running/paused = up, shutoff = down)
//	snapshot        internal domain snapshot, identified by its name
//	cluster         the connected hypervisor host, named by its hostname
//	storage domain  libvirt storage pool
//	clone           new domain whose disks are full copies in the storage pool
//	backup image    disk copies in the export pool plus a descriptor volume
//	                ({name}.backup.iso, see internal/manifest)
//	VM tags         YAML in the domain's custom metadata (internal/metadata)
//
// Connection Management:
//
//	client, err := libvirt.Connect(libvirt.Options{Server: "qemu+tcp://kvm1/system"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Check connection
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
//	session := libvirt.NewSession(client)
//
// Consumer-Side Interfaces:
//
// API lists every go-libvirt call the session makes. It embeds the
// interfaces declared by internal/storage and internal/metadata, so the
// same connection serves all three packages. Tests replace it with an
// in-memory hypervisor.
package libvirt
