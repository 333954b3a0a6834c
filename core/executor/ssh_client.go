package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"charlora/training/frameworks"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient handles SSH connections to the training host
type SSHClient struct {
	config *ssh.ClientConfig
	port   int
}

// NewSSHClient creates a new SSH client. With an empty knownHostsPath host
// keys are not verified.
func NewSSHClient(privateKey []byte, user, knownHostsPath string, port int) (*SSHClient, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		hostKeys, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}
	if port == 0 {
		port = 22
	}

	return &SSHClient{
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         30 * time.Second,
		},
		port: port,
	}, nil
}

// connect dials host and closes the connection when ctx is done. The
// returned stop func releases the watcher without closing the client.
func (sc *SSHClient) connect(ctx context.Context, host string) (*ssh.Client, func() bool, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(sc.port))
	d := net.Dialer{Timeout: sc.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sc.config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	stop := context.AfterFunc(ctx, func() { client.Close() })
	return client, stop, nil
}

// ExecuteCommand runs command on host and returns its combined output
func (sc *SSHClient) ExecuteCommand(ctx context.Context, host, command string) (string, error) {
	var buf bytes.Buffer
	err := sc.run(ctx, host, command, nil, &buf)
	return buf.String(), err
}

func (sc *SSHClient) run(ctx context.Context, host, command string, stdin io.Reader, w io.Writer) error {
	client, stop, err := sc.connect(ctx, host)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = w
	session.Stderr = w
	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return exitError(err)
	}
	return nil
}

// TestConnection runs a trivial command on host
func (sc *SSHClient) TestConnection(ctx context.Context, host string) error {
	out, err := sc.ExecuteCommand(ctx, host, "true")
	if err != nil {
		if out != "" {
			return fmt.Errorf("%w: %s", err, out)
		}
		return err
	}
	return nil
}

// UploadDir streams localDir as a tar archive into remoteDir, replacing it
func (sc *SSHClient) UploadDir(ctx context.Context, host, localDir, remoteDir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, localDir))
	}()
	defer pr.Close()

	q := frameworks.ShellQuote(remoteDir)
	cmd := "rm -rf " + q + " && mkdir -p " + q + " && tar -xf - -C " + q
	var out bytes.Buffer
	if err := sc.run(ctx, host, cmd, pr, &out); err != nil {
		return fmt.Errorf("upload %s: %w: %s", localDir, err, out.String())
	}
	return nil
}

// DownloadDir extracts remoteDir into localDir
func (sc *SSHClient) DownloadDir(ctx context.Context, host, remoteDir, localDir string) error {
	client, stop, err := sc.connect(ctx, host)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := session.Start("tar -cf - -C " + frameworks.ShellQuote(remoteDir) + " ."); err != nil {
		return fmt.Errorf("start tar: %w", err)
	}
	if err := readTar(stdout, localDir); err != nil {
		return fmt.Errorf("download %s: %w", remoteDir, err)
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("download %s: %w: %s", remoteDir, exitError(err), stderr.String())
	}
	return nil
}

// Start runs command on host and returns it as a Process. Cancelling ctx
// signals the remote process and drops the connection.
func (sc *SSHClient) Start(ctx context.Context, host, command string) (Process, error) {
	client, stop, err := sc.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		stop()
		client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		stop()
		client.Close()
		return nil, err
	}
	if err := session.Start(command); err != nil {
		stop()
		client.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	p := &remoteProcess{client: client, session: session, out: stdout}
	p.stop = context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
	})
	stop()
	return p, nil
}

type remoteProcess struct {
	client  *ssh.Client
	session *ssh.Session
	out     io.Reader
	stop    func() bool
}

func (p *remoteProcess) Output() io.Reader { return p.out }

func (p *remoteProcess) Wait() error {
	defer p.client.Close()
	defer p.stop()
	return exitError(p.session.Wait())
}

func exitError(err error) error {
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitStatus()}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return &ExitError{Code: -1}
	}
	return err
}
