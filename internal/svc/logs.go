package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the platform command that shows a service's logs.
func LogCommand(opts LogOptions) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	n := strconv.Itoa(opts.Lines)

	switch runtime.GOOS {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", n, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes service output to these files.
		args := []string{"-n", n}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
		)
		return exec.Command("tail", args...), nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// ViewLogs streams service logs to the terminal.
func ViewLogs(opts LogOptions) error {
	cmd, err := LogCommand(opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
