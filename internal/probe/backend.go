package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

// MaxExcerpt bounds the diagnostic text kept from a body or command output.
const MaxExcerpt = 2048

// HTTPResponse is the subset of an HTTP response a probe interprets.
type HTTPResponse struct {
	StatusCode int
	Body       string
}

// HTTPBackend performs a single GET against a monitored endpoint.
type HTTPBackend interface {
	Get(ctx context.Context, url string) (HTTPResponse, error)
}

// CommandOutput is the result of a finished subprocess.
type CommandOutput struct {
	ExitCode int
	Output   string
}

// CommandBackend runs a shell command in a working directory. A non-zero exit is
// reported through ExitCode; the error is reserved for commands that could not
// run to completion (spawn failure, cancellation, deadline).
type CommandBackend interface {
	Run(ctx context.Context, command, dir string) (CommandOutput, error)
}

// HTTPClient is the net/http HTTPBackend.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPBackend. Per-probe deadlines come from the context;
// timeout is only a backstop and may be zero.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}}
}

// Get issues a GET and returns the status with the head of the body.
func (c *HTTPClient) Get(ctx context.Context, url string) (HTTPResponse, error) {
	if c == nil || c.httpClient == nil {
		return HTTPResponse{}, fmt.Errorf("http backend not initialised")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HTTPResponse{}, err
	}
	req.Header.Set("User-Agent", "healloop-probe")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HTTPResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxExcerpt))
	if err != nil && ctx.Err() != nil {
		return HTTPResponse{}, ctx.Err()
	}
	// Drain a little more so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return HTTPResponse{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// ShellRunner is the os/exec CommandBackend. Commands run through `sh -c` in
// their own process group so a deadline kills the whole tree.
type ShellRunner struct {
	// WaitDelay bounds how long Run waits for inherited pipes after the
	// process has been killed.
	WaitDelay time.Duration
}

// NewShellRunner returns a ShellRunner with a short pipe wait delay.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{WaitDelay: 2 * time.Second}
}

// Run executes command and returns its exit code and the tail of its combined output.
func (r *ShellRunner) Run(ctx context.Context, command, dir string) (CommandOutput, error) {
	if command == "" {
		return CommandOutput{ExitCode: -1}, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	if r != nil && r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	out := newTailBuffer(MaxExcerpt)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := CommandOutput{Output: out.String()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]byte, 0, max)}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
