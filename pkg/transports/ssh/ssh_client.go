package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the interaction.
const Type = "ssh"

// Interaction implements plugin.VMInteraction over SSH.
//
// A single connection is shared by every operation. It is redialed when it died,
// which happens every time the VM is relaunched.
type Interaction struct {
	plugin.Info
	def          Definition
	clientConfig *ssh.ClientConfig
	logger       zerolog.Logger

	// connMu protects client.
	connMu sync.Mutex
	client *ssh.Client
}

// New builds an interaction from its runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.VMInteraction, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}
	def.applyDefaults()

	clientConfig, err := def.clientConfig()
	if err != nil {
		return nil, err
	}

	return &Interaction{
		Info: plugin.Info{
			PluginName:        spec.DisplayName("SSH VM interaction"),
			PluginDescription: "Interact with a VM over SSH",
			PluginVersion:     "1.0.0",
		},
		def:          def,
		clientConfig: clientConfig,
		logger:       env.Logger.With().Str("address", def.Address()).Logger(),
	}, nil
}

// CheckDependencies implements plugin.Dependent.
func (i *Interaction) CheckDependencies(context.Context) []plugin.MissingDependency {
	return nil
}

// AwaitReady connects until the guest accepts the connection or the retries are spent.
// Authentication and host key failures are returned on the first attempt.
func (i *Interaction) AwaitReady(ctx context.Context) error {
	policy := engine.RetryPolicy{Delay: i.def.ReadyDelay, MaxRetries: i.def.ReadyRetries + 1}
	return engine.Retry(ctx, policy, i.logger, func(ctx context.Context) error {
		_, err := i.connect(ctx)
		var transportErr *TransportError
		if errors.As(err, &transportErr) && !transportErr.Temporary() {
			return engine.Permanent(err)
		}
		return err
	})
}

// Close closes the shared connection.
func (i *Interaction) Close() error {
	i.connMu.Lock()
	defer i.connMu.Unlock()

	if i.client == nil {
		return nil
	}
	err := i.client.Close()
	i.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return permanent("disconnect", err)
	}
	return nil
}

// connect returns the shared client, dialing again when it is missing or dead.
func (i *Interaction) connect(ctx context.Context) (*ssh.Client, error) {
	i.connMu.Lock()
	defer i.connMu.Unlock()

	if i.client != nil {
		if _, _, err := i.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return i.client, nil
		}
		i.logger.Debug().Msg("Existing connection is dead, reconnecting")
		_ = i.client.Close()
		i.client = nil
	}

	address := i.def.Address()
	dialer := net.Dialer{Timeout: i.def.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, temporary("connect", err)
	}

	// The handshake is not context aware, closing the connection aborts it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, i.clientConfig)
	if err != nil {
		conn.Close()
		auth := isAuthError(err)
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: !auth, IsAuthError: auth}
	}

	i.client = ssh.NewClient(clientConn, chans, reqs)
	i.logger.Debug().Msg("SSH connection established")
	return i.client, nil
}

func isAuthError(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) || strings.Contains(err.Error(), "unable to authenticate")
}
