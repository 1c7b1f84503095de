package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

var devtoolsLine = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// LaunchOptions configures a local Chromium process
type LaunchOptions struct {
	Path      string // executable, defaults to "chromium"
	Headless  bool
	ExtraArgs []string
	Timeout   time.Duration // time to wait for the DevTools endpoint
}

// Process is a running Chromium instance
type Process struct {
	cmd     *exec.Cmd
	dataDir string
	WSURL   string
}

// Launch starts Chromium with remote debugging on a random port and
// returns once the DevTools websocket URL is known
func Launch(ctx context.Context, opts LaunchOptions, log *logrus.Logger) (*Process, error) {
	if opts.Path == "" {
		opts.Path = "chromium"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}

	dataDir, err := os.MkdirTemp("", "lunar-bot-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("creating profile dir: %w", err)
	}

	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-blink-features=AutomationControlled",
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, "about:blank")

	cmd := exec.Command(opts.Path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("starting %s: %w", opts.Path, err)
	}

	proc := &Process{cmd: cmd, dataDir: dataDir}

	found := make(chan string, 1)
	go func() {
		url, rest := scanDevToolsURL(stderr)
		if url != "" {
			found <- url
		}
		io.Copy(io.Discard, rest)
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case url := <-found:
		proc.WSURL = url
		log.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "endpoint": url}).Debug("chromium started")
		return proc, nil
	case <-timer.C:
		proc.Kill()
		return nil, fmt.Errorf("chromium did not expose a DevTools endpoint within %s", opts.Timeout)
	case <-ctx.Done():
		proc.Kill()
		return nil, ctx.Err()
	}
}

// scanDevToolsURL reads lines until the DevTools banner and returns the
// endpoint along with the remaining stream
func scanDevToolsURL(r io.Reader) (string, io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if m := devtoolsLine.FindStringSubmatch(line); m != nil {
			return m[1], br
		}
		if err != nil {
			return "", br
		}
	}
}

// Kill terminates the process and removes its profile directory
func (p *Process) Kill() error {
	var err error
	if p.cmd.Process != nil {
		err = p.cmd.Process.Kill()
		p.cmd.Wait()
	}
	os.RemoveAll(p.dataDir)
	return err
}
