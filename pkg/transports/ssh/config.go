package ssh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort              = 22
	DefaultConnectionTimeout = 5 * time.Second
	DefaultReadyDelay        = 2 * time.Second
	DefaultReadyRetries      = 10
)

// Definition is the runbook entry of an SSH interaction.
type Definition struct {
	// Host is the guest hostname or IP address
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// Username is the guest account
	Username string `yaml:"username" validate:"required"`

	// Password enables password and keyboard-interactive authentication
	Password string `yaml:"password" validate:"required_without=PrivateKeyPath"`

	// PrivateKeyPath enables public key authentication
	PrivateKeyPath string `yaml:"privateKeyPath" validate:"omitempty,file"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"privateKeyPassphrase"`

	// KnownHostsPath enables host key verification. Guests restored from a snapshot
	// keep their host key, so pinning it is usually possible.
	KnownHostsPath string `yaml:"knownHostsPath" validate:"omitempty,file"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connectionTimeout" validate:"gte=0"`

	// ReadyDelay is the pause between two connection attempts of AwaitReady
	ReadyDelay time.Duration `yaml:"readyDelay" validate:"gte=0"`

	// ReadyRetries is the number of connection retries of AwaitReady
	ReadyRetries int `yaml:"readyRetries" validate:"gte=0"`
}

func (d *Definition) applyDefaults() {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.ConnectionTimeout == 0 {
		d.ConnectionTimeout = DefaultConnectionTimeout
	}
	if d.ReadyDelay == 0 {
		d.ReadyDelay = DefaultReadyDelay
	}
	if d.ReadyRetries == 0 {
		d.ReadyRetries = DefaultReadyRetries
	}
}

// Address returns the formatted SSH address (host:port).
func (d *Definition) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// clientConfig creates an ssh.ClientConfig from the definition.
func (d *Definition) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if d.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(d.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if d.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(d.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if d.Password != "" {
		authMethods = append(authMethods, ssh.Password(d.Password))

		// Windows OpenSSH may ask through keyboard-interactive
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = d.Password
				}
				return answers, nil
			},
		))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // disposable analysis guests
	if d.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(d.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            d.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.ConnectionTimeout,
	}, nil
}
