package coordination

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const exclusionListSeparator = ","

// ReadExclusionList returns the hostnames excluded on partition. A missing list is empty.
// The result may be stale unless the caller holds the list's lock.
func ReadExclusionList(ctx context.Context, store Store, partition string) ([]string, error) {
	value, _, err := store.Read(ctx, ExclusionListKey(partition))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading exclusion list of partition %s", partition)
	}
	var hosts []string
	for _, host := range strings.Split(value, exclusionListSeparator) {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, nil
}

// WriteExclusionList replaces the exclusion list of partition. The caller must hold its lock.
func WriteExclusionList(ctx context.Context, store Store, partition string, hosts []string) error {
	err := store.Write(ctx, ExclusionListKey(partition), strings.Join(hosts, exclusionListSeparator))
	return errors.WithMessagef(err, "writing exclusion list of partition %s", partition)
}
