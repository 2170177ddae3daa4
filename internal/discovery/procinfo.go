package discovery

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcInfo is the OS metadata of a process.
type ProcInfo struct {
	Name        string
	CommandLine string
	Args        []string
	// CreateTime is in unix milliseconds.
	CreateTime int64
}

// ProcessInfo reads OS process metadata.
type ProcessInfo interface {
	Lookup(ctx context.Context, pid int) (ProcInfo, error)
	// Alive reports whether pid exists and is not a zombie.
	Alive(ctx context.Context, pid int) bool
}

type psutilInfo struct{}

// SystemProcessInfo returns a ProcessInfo backed by gopsutil.
func SystemProcessInfo() ProcessInfo {
	return psutilInfo{}
}

func (psutilInfo) Lookup(ctx context.Context, pid int) (ProcInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcInfo{}, errors.Wrapf(err, "process %d not found", pid)
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcInfo{}, errors.Wrapf(err, "failed to read name of process %d", pid)
	}

	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return ProcInfo{}, errors.Wrapf(err, "failed to read create time of process %d", pid)
	}

	// the command line may be unreadable for processes of other users
	args, _ := p.CmdlineSliceWithContext(ctx)

	return ProcInfo{
		Name:        name,
		CommandLine: strings.Join(args, " "),
		Args:        args,
		CreateTime:  created,
	}, nil
}

func (psutilInfo) Alive(ctx context.Context, pid int) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// status is not available everywhere, existence is enough then
		return true
	}
	return !lo.Contains(status, process.Zombie)
}
