package libvirt

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultSocket is the local qemu:///system socket.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Options describes how to reach libvirtd.
type Options struct {
	// Server is a libvirt URI (qemu+tcp://host/system) or a unix socket
	// path. Empty means DefaultSocket.
	Server   string
	Username string
	Password string
	// Timeout bounds dialing a unix socket. Zero means 5 seconds.
	Timeout time.Duration
}

// IsURI reports whether Server is a libvirt URI rather than a socket path.
func (o Options) IsURI() bool {
	return strings.Contains(o.Server, "://")
}

// URI returns the connection URI with the credentials embedded as user
// info.
func (o Options) URI() (*url.URL, error) {
	u, err := url.Parse(o.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid libvirt URI %q: %w", o.Server, err)
	}
	switch {
	case o.Username != "" && o.Password != "":
		u.User = url.UserPassword(o.Username, o.Password)
	case o.Username != "":
		u.User = url.User(o.Username)
	}
	return u, nil
}

// Redacted returns Server with any password masked, for logging.
func (o Options) Redacted() string {
	if !o.IsURI() {
		return o.Server
	}
	u, err := o.URI()
	if err != nil {
		return o.Server
	}
	return u.Redacted()
}

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
	target  string
}

// Connect establishes a connection to libvirtd.
// It returns a Client that must be closed via Close() when done.
func Connect(opts Options) (*Client, error) {
	if opts.IsURI() {
		u, err := opts.URI()
		if err != nil {
			return nil, err
		}
		l, err := libvirt.ConnectToURI(u)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", u.Redacted(), err)
		}
		return &Client{libvirt: l, target: u.Redacted()}, nil
	}

	socketPath := opts.Server
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}

	return &Client{libvirt: l, target: socketPath}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, opts Options) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(opts)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up on it.
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client for direct API access.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Target returns the socket path or redacted URI the client is connected to.
func (c *Client) Target() string {
	return c.target
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}

// Version returns the libvirt library version of the daemon, e.g. "10.5.0".
func (c *Client) Version() (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("client not connected")
	}
	v, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return "", fmt.Errorf("failed to get libvirt version: %w", err)
	}
	return FormatVersion(v), nil
}

// Hostname returns the hostname of the hypervisor.
func (c *Client) Hostname() (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("client not connected")
	}
	host, err := c.libvirt.ConnectGetHostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hypervisor hostname: %w", err)
	}
	return host, nil
}

// FormatVersion converts a libvirt version number to human readable form.
// libvirt encodes versions as major * 1000000 + minor * 1000 + micro.
func FormatVersion(version uint64) string {
	major := version / 1000000
	minor := (version % 1000000) / 1000
	micro := version % 1000
	return fmt.Sprintf("%d.%d.%d", major, minor, micro)
}
