package slurm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	commonconfig "github.com/G-Research/slurmbatch/internal/common/config"
)

const (
	sbatch   = "sbatch"
	scancel  = "scancel"
	squeue   = "squeue"
	scontrol = "scontrol"

	// Node figures are sampled once per guard evaluation; the cache only collapses the three
	// per-node queries of one evaluation into a single scontrol call.
	nodeInfoTTL = 5 * time.Second

	pendingFieldSeparator = "|"
	noDependency          = "(null)"
)

// squeue prints the state of each dependency after the id, e.g. "afterok:12(unfulfilled)".
var dependencyStateAnnotation = regexp.MustCompile(`\([^)]*\)`)

// NodeInfo is the subset of "scontrol show node" used to check memory sufficiency.
type NodeInfo struct {
	Name string
	// Megabytes
	RealMemory int64
	// Megabytes
	FreeMemory int64
	Cpus       int
}

// CLI implements WorkloadManager by running the Slurm command line tools.
type CLI struct {
	runner    CommandRunner
	nodeCache *cache.Cache
}

func NewCLI(runner CommandRunner) *CLI {
	return &CLI{
		runner:    runner,
		nodeCache: cache.New(nodeInfoTTL, 2*nodeInfoTTL),
	}
}

func (c *CLI) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	out, err := c.runner.Run(ctx, sbatch, SubmitArgs(request)...)
	if err != nil {
		output := err.Error()
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			output = cmdErr.Output()
		}
		return "", errors.WithStack(&batcherrors.ErrSubmission{Name: request.Name, Output: output})
	}
	// --parsable prints "<id>" or "<id>;<cluster>"
	id := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), ";", 2)[0])
	if _, err := strconv.Atoi(id); err != nil {
		return "", errors.WithStack(&batcherrors.ErrSubmission{Name: request.Name, Output: "unexpected sbatch output: " + out})
	}
	log.WithFields(log.Fields{"allocation": id, "name": request.Name}).Info("submitted allocation")
	return id, nil
}

// SubmitArgs builds the sbatch command line for request.
func SubmitArgs(request SubmitRequest) []string {
	p := request.Profile
	args := []string{
		"--parsable",
		"--job-name", request.Name,
		"--partition", p.Partition,
		"--ntasks", strconv.Itoa(request.Tasks),
		"--cpus-per-task", strconv.Itoa(p.CpusPerTask),
	}
	if p.GpusPerTask > 0 {
		args = append(args, "--gpus-per-task", strconv.Itoa(p.GpusPerTask))
	}
	if p.TasksPerNode > 0 {
		args = append(args, "--ntasks-per-node", strconv.Itoa(p.TasksPerNode))
	}
	if p.TimeLimit > 0 {
		args = append(args, "--time", commonconfig.FormatSlurmTime(p.TimeLimit))
	}
	if request.Dependency != "" {
		args = append(args, "--dependency", request.Dependency)
	}
	if len(request.Exclude) > 0 {
		args = append(args, "--exclude", strings.Join(request.Exclude, ","))
	}
	if request.OutputPath != "" {
		args = append(args, "--output", request.OutputPath)
	}
	if request.ErrorPath != "" {
		args = append(args, "--error", request.ErrorPath)
	}
	args = append(args, p.ExtraArgs...)
	return append(args, "--wrap", request.Command)
}

func (c *CLI) Cancel(ctx context.Context, allocationId string) error {
	_, err := c.runner.Run(ctx, scancel, allocationId)
	return errors.Wrapf(err, "cancelling allocation %s", allocationId)
}

func (c *CLI) ListPendingWithDependencies(ctx context.Context, user string) ([]PendingAllocation, error) {
	out, err := c.runner.Run(ctx, squeue,
		"--noheader",
		"--user", user,
		"--states", "PENDING",
		"--format", "%i"+pendingFieldSeparator+"%E",
	)
	if err != nil {
		return nil, errors.Wrapf(err, "listing pending allocations of %s", user)
	}
	return parsePending(out), nil
}

func parsePending(out string) []PendingAllocation {
	var pending []PendingAllocation
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, pendingFieldSeparator, 2)
		allocation := PendingAllocation{Id: strings.TrimSpace(fields[0])}
		if len(fields) == 2 {
			allocation.Dependency = cleanDependency(fields[1])
		}
		pending = append(pending, allocation)
	}
	return pending
}

func cleanDependency(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == noDependency {
		return ""
	}
	return dependencyStateAnnotation.ReplaceAllString(raw, "")
}

func (c *CLI) UpdateDependency(ctx context.Context, allocationId string, dependency string) error {
	_, err := c.runner.Run(ctx, scontrol, "update", "JobId="+allocationId, "Dependency="+dependency)
	return errors.Wrapf(err, "updating dependency of allocation %s to %q", allocationId, dependency)
}

func (c *CLI) NodeNamesOf(ctx context.Context, allocationId string) ([]string, error) {
	out, err := c.runner.Run(ctx, squeue, "--noheader", "--jobs", allocationId, "--format", "%N")
	if err != nil {
		return nil, errors.Wrapf(err, "listing nodes of allocation %s", allocationId)
	}
	nodeList := strings.TrimSpace(out)
	if nodeList == "" {
		return nil, nil
	}
	return c.expandHostnames(ctx, nodeList)
}

func (c *CLI) expandHostnames(ctx context.Context, nodeList string) ([]string, error) {
	out, err := c.runner.Run(ctx, scontrol, "show", "hostnames", nodeList)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding node list %s", nodeList)
	}
	return strings.Fields(out), nil
}

func (c *CLI) AvailableMemory(ctx context.Context, hostname string) (int64, error) {
	info, err := c.NodeInfo(ctx, hostname)
	return info.FreeMemory, err
}

func (c *CLI) TotalMemory(ctx context.Context, hostname string) (int64, error) {
	info, err := c.NodeInfo(ctx, hostname)
	return info.RealMemory, err
}

func (c *CLI) CoreCount(ctx context.Context, hostname string) (int, error) {
	info, err := c.NodeInfo(ctx, hostname)
	return info.Cpus, err
}

// NodeInfo samples "scontrol show node" for hostname.
func (c *CLI) NodeInfo(ctx context.Context, hostname string) (NodeInfo, error) {
	if cached, found := c.nodeCache.Get(hostname); found {
		return cached.(NodeInfo), nil
	}
	out, err := c.runner.Run(ctx, scontrol, "show", "node", hostname, "--oneliner")
	if err != nil {
		return NodeInfo{}, errors.Wrapf(err, "inspecting node %s", hostname)
	}
	info, err := ParseNodeInfo(out)
	if err != nil {
		return NodeInfo{}, errors.WithMessagef(err, "inspecting node %s", hostname)
	}
	c.nodeCache.SetDefault(hostname, info)
	return info, nil
}

// ParseNodeInfo parses the --oneliner output of "scontrol show node".
func ParseNodeInfo(out string) (NodeInfo, error) {
	fields := map[string]string{}
	for _, token := range strings.Fields(out) {
		if idx := strings.Index(token, "="); idx > 0 {
			fields[token[:idx]] = token[idx+1:]
		}
	}
	info := NodeInfo{Name: fields["NodeName"]}
	var err error
	if info.RealMemory, err = parseNodeInt(fields, "RealMemory"); err != nil {
		return NodeInfo{}, err
	}
	if info.FreeMemory, err = parseNodeInt(fields, "FreeMem"); err != nil {
		return NodeInfo{}, err
	}
	cpus, err := parseNodeInt(fields, "CPUTot")
	if err != nil {
		return NodeInfo{}, err
	}
	info.Cpus = int(cpus)
	return info, nil
}

func parseNodeInt(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, errors.Errorf("field %s missing from node description", key)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf("field %s has non-numeric value %q", key, raw)
	}
	return value, nil
}

// TimeLimitOf returns the time limit of allocationId as reported by squeue.
func (c *CLI) TimeLimitOf(ctx context.Context, allocationId string) (time.Duration, error) {
	out, err := c.runner.Run(ctx, squeue, "--noheader", "--jobs", allocationId, "--format", "%l")
	if err != nil {
		return 0, errors.Wrapf(err, "reading time limit of allocation %s", allocationId)
	}
	limit, err := commonconfig.ParseSlurmTime(out)
	if err != nil {
		return 0, errors.WithMessagef(err, "reading time limit of allocation %s", allocationId)
	}
	return limit, nil
}
