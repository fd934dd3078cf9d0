package controller

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/G-Research/slurmbatch/internal/common/slices"
)

// FormatGroups renders groups as an aligned table, one allocation per line.
func FormatGroups(groups []Group) string {
	sb := &strings.Builder{}
	w := tabwriter.NewWriter(sb, 1, 1, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ALLOCATION\tNAME\tPARTITION\tTASKS\tDEPENDENCY\tPSEUDO IDS")
	for _, g := range groups {
		dep := g.Request.Dependency
		if dep == "" {
			dep = "-"
		}
		ids := strings.Join(slices.Map(g.PseudoIds(), strconv.Itoa), ",")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", g.AllocationId, g.Request.Name, g.Request.Profile.Partition, g.Request.Tasks, dep, ids)
	}
	// strings.Builder never errors
	_ = w.Flush()
	return sb.String()
}
