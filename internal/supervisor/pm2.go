package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// PM2 drives a pm2 process manager through its CLI. Bin is overridable for
// tests and non-standard installs.
type PM2 struct {
	Bin string
}

func NewPM2() *PM2 {
	return &PM2{Bin: "pm2"}
}

func (p *PM2) StartOrReload(ctx context.Context, spec ProcessSpec) error {
	if _, err := p.Describe(ctx, spec.Name); err == nil {
		// restart in place, replacing the environment
		return p.run(ctx, spec.EnvFile, "restart", spec.Name, "--update-env")
	}
	return p.start(ctx, spec)
}

func (p *PM2) DeleteThenStart(ctx context.Context, spec ProcessSpec) error {
	// delete is best-effort: the process may simply not exist yet
	if err := p.run(ctx, "", "delete", spec.Name); err != nil {
		logrus.Debugf("pm2 delete %s: %v", spec.Name, err)
	}
	return p.start(ctx, spec)
}

func (p *PM2) start(ctx context.Context, spec ProcessSpec) error {
	return p.run(ctx, spec.EnvFile, "start", spec.Script, "--name", spec.Name, "--cwd", spec.Dir)
}

func (p *PM2) Save(ctx context.Context) error {
	return p.run(ctx, "", "save")
}

func (p *PM2) Describe(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, p.Bin, "describe", name).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pm2 describe %s: %w", name, err)
	}
	return string(out), nil
}

func (p *PM2) run(ctx context.Context, envFile string, args ...string) error {
	cmd := exec.CommandContext(ctx, p.Bin, args...)
	if envFile != "" {
		extra, err := ReadEnvFile(envFile)
		if err != nil {
			return err
		}
		cmd.Env = append(os.Environ(), extra...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pm2 %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	logrus.Debugf("pm2 %s ok", strings.Join(args, " "))
	return nil
}

// ReadEnvFile parses a KEY=VALUE-per-line env file into a slice suitable
// for exec.Cmd.Env. Blank lines and #-comments are skipped.
func ReadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	var env []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "=") {
			return nil, fmt.Errorf("malformed env line %q", line)
		}
		env = append(env, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return env, nil
}
