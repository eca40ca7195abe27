// Package ssh provides the transport used to drive firmware upgrades on
// remote devices: command execution and file upload over a single SSH
// connection, with failover across a device's candidate addresses.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Config holds transport timeouts.
type Config struct {
	// ConnectTimeout bounds the TCP dial and SSH handshake per address.
	ConnectTimeout time.Duration
	// CommandTimeout is the default bound for a single remote command.
	// Individual calls can override it with WithTimeout.
	CommandTimeout time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// Credential is the authentication material for one device.
type Credential struct {
	Username string
	Password string
	// PrivateKey is an optional PEM encoded key. When set it is tried
	// alongside the password.
	PrivateKey []byte
	Port       int
}

func (c Credential) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("credential has neither password nor private key")
	}
	return methods, nil
}

// Conn is an established SSH connection to one device.
type Conn struct {
	client *ssh.Client
	addr   string
	cfg    Config
	log    logrus.FieldLogger
}

// Dial connects to the first reachable address in the list, in order.
// Each attempt is bounded by cfg.ConnectTimeout; the last error is wrapped
// into the returned error when every address fails.
//
// Host keys are deliberately not verified: devices regenerate their keys
// when reflashed, which is exactly when we need to reconnect to them.
func Dial(ctx context.Context, addresses []string, cred Credential, cfg Config, log logrus.FieldLogger) (*Conn, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no addresses to connect to")
	}
	methods, err := cred.authMethods()
	if err != nil {
		return nil, err
	}
	port := cred.Port
	if port == 0 {
		port = 22
	}
	clientCfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}

	var lastErr error
	for _, address := range addresses {
		addr := net.JoinHostPort(address, strconv.Itoa(port))
		log.WithFields(logrus.Fields{
			"addr": addr,
			"user": cred.Username,
		}).Debug("Dialing device")

		client, err := dialAddr(ctx, addr, clientCfg, cfg.ConnectTimeout)
		if err != nil {
			log.WithFields(logrus.Fields{
				"addr":  addr,
				"error": err,
			}).Debug("Dial failed, trying next address")
			lastErr = err
			continue
		}
		log.WithField("addr", addr).Info("Connected to device")
		return &Conn{client: client, addr: addr, cfg: cfg, log: log}, nil
	}
	return nil, fmt.Errorf("unable to connect to any address %v: %w", addresses, lastErr)
}

func dialAddr(ctx context.Context, addr string, clientCfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake as well; ClientConfig.Timeout only covers the
	// TCP dial when ssh.Dial is used directly.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Addr returns the address the connection was established on.
func (c *Conn) Addr() string {
	return c.addr
}

// Close tears down the connection. Safe to call after the remote end has
// already dropped it.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
