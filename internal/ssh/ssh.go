package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		c.KnownHosts = xssh.InsecureIgnoreHostKey() // replaced by strict callback by caller normally
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// RunCommand executes a remote command with retries and basic backoff.
// Transport errors are retried; a command that ran and exited nonzero is
// reported once with its exit status.
func (c *Client) RunCommand(ctx context.Context, command string) (string, int, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return "", -1, err
	}
	var lastErr error
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return "", -1, ctx.Err()
		default:
		}
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		if err != nil {
			lastErr = err
		} else {
			session, err := cli.NewSession()
			if err == nil {
				out, runErr := session.CombinedOutput(command)
				session.Close()
				_ = cli.Close()
				if runErr == nil {
					return string(out), 0, nil
				}
				var exitErr *xssh.ExitError
				if errors.As(runErr, &exitErr) {
					return string(out), exitErr.ExitStatus(), nil
				}
				lastErr = fmt.Errorf("run command: %w", runErr)
			} else {
				lastErr = fmt.Errorf("new session: %w", err)
				_ = cli.Close()
			}
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", -1, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return "", -1, lastErr
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}
