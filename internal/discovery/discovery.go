// Package discovery finds local managed processes that expose a diagnostics endpoint.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/fsx"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
)

// ErrNoTransport is returned when the diagnostics transport directory does not exist.
var ErrNoTransport = errors.New("no diagnostics transport directory")

// SocketPattern matches the IPC endpoints created by the runtime.
const SocketPattern = "dotnet-diagnostic-*-socket"

var socketName = regexp.MustCompile(`^dotnet-diagnostic-(\d+)-(\d+)-socket$`)

// TransportDir returns the directory the runtime creates its endpoints in.
func TransportDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

type Option func(*Discoverer)

// WithTransportDir overrides the directory scanned for endpoints.
func WithTransportDir(dir string) Option {
	return func(d *Discoverer) { d.dir = dir }
}

// WithProcessInfo overrides the OS metadata source.
func WithProcessInfo(info ProcessInfo) Option {
	return func(d *Discoverer) { d.info = info }
}

// WithSelfPid sets the pid never reported as managed. Defaults to the listener's own pid.
func WithSelfPid(pid int) Option {
	return func(d *Discoverer) { d.self = pid }
}

// Discoverer lists diagnosable processes from the endpoints in the transport directory.
type Discoverer struct {
	dir  string
	info ProcessInfo
	self int
}

// New returns a Discoverer scanning the default transport directory.
func New(opts ...Option) *Discoverer {
	d := &Discoverer{
		dir:  TransportDir(),
		info: SystemProcessInfo(),
		self: os.Getpid(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type endpoint struct {
	pid  int
	key  uint64
	path string
}

// endpoints returns the newest endpoint of each pid.
func (d *Discoverer) endpoints() (map[int]endpoint, error) {
	if _, ok := fsx.PathExists(d.dir); !ok {
		return nil, errors.Wrapf(ErrNoTransport, "directory %s", d.dir)
	}

	paths, err := fsx.MatchDirEntries(d.dir, []string{SocketPattern})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list diagnostic endpoints in %s", d.dir)
	}

	out := map[int]endpoint{}
	for _, p := range paths {
		m := socketName.FindStringSubmatch(filepath.Base(p))
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil || pid <= 0 {
			continue
		}
		key, _ := strconv.ParseUint(m[2], 10, 64)

		// stale endpoints of a previous process with the same pid may linger
		if cur, ok := out[pid]; ok && cur.key >= key {
			continue
		}
		out[pid] = endpoint{pid: pid, key: key, path: p}
	}
	return out, nil
}

// ListManagedProcesses implements core.Discoverer. Processes that vanish between
// listing and metadata lookup are skipped, as are endpoints left by dead processes.
func (d *Discoverer) ListManagedProcesses(ctx context.Context) ([]core.ProcessMeta, error) {
	eps, err := d.endpoints()
	if err != nil {
		return nil, err
	}

	procs := make([]core.ProcessMeta, 0, len(eps))
	for pid, ep := range eps {
		if pid == d.self {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		meta, err := d.describe(ctx, ep)
		if err != nil {
			logx.As().Trace().Int("process_id", pid).Err(err).Msg("Skipping vanished process")
			continue
		}
		procs = append(procs, meta)
	}

	sort.Slice(procs, func(a, b int) bool { return procs[a].Pid < procs[b].Pid })
	return procs, nil
}

// IsManagedProcess implements core.Discoverer.
func (d *Discoverer) IsManagedProcess(ctx context.Context, pid int) bool {
	if pid == d.self {
		return false
	}
	eps, err := d.endpoints()
	if err != nil {
		return false
	}
	if _, ok := eps[pid]; !ok {
		return false
	}
	return d.info.Alive(ctx, pid)
}

// Lookup returns the metadata of a single diagnosable process.
func (d *Discoverer) Lookup(ctx context.Context, pid int) (core.ProcessMeta, error) {
	eps, err := d.endpoints()
	if err != nil {
		return core.ProcessMeta{}, err
	}
	ep, ok := eps[pid]
	if !ok || pid == d.self {
		return core.ProcessMeta{}, errors.Errorf("process %d exposes no diagnostics endpoint", pid)
	}
	return d.describe(ctx, ep)
}

func (d *Discoverer) describe(ctx context.Context, ep endpoint) (core.ProcessMeta, error) {
	if !d.info.Alive(ctx, ep.pid) {
		return core.ProcessMeta{}, errors.Errorf("process %d is not running", ep.pid)
	}

	info, err := d.info.Lookup(ctx, ep.pid)
	if err != nil {
		return core.ProcessMeta{}, err
	}

	return core.ProcessMeta{
		Pid:         ep.pid,
		Name:        info.Name,
		CommandLine: info.CommandLine,
		Args:        info.Args,
		StartTime:   time.UnixMilli(info.CreateTime),
		Endpoint:    ep.path,
	}, nil
}
