package validator

import (
	"fmt"
	"sort"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
)

// recordsFingerprint identifies the content of a set of verified records: the domain, proof
// type and entry hash of each record. Servers agree iff their fingerprints are equal.
func recordsFingerprint(records []*mapCommon.DomainRecord) common.SHA256Output {
	sorted := make([]*mapCommon.DomainRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Domain < sorted[j].Domain
	})
	data := make([][]byte, 0, 3*len(sorted))
	for _, r := range sorted {
		data = append(data,
			common.SHA256Hash([]byte(r.Domain)),
			[]byte{byte(r.ProofType)},
			r.EntryHash[:])
	}
	return common.SHA256Hash32Bytes(data...)
}

// selectByQuorum returns the records of the largest group of servers agreeing on them, if the
// group has at least quorum members. Fewer successful servers than quorum is a network error;
// enough successful servers without a large enough group is a quorum error.
func selectByQuorum(quorum int, servers []config.MapServer,
	results [][]*mapCommon.DomainRecord, errs []error) ([]*mapCommon.DomainRecord, error) {

	type group struct {
		records []*mapCommon.DomainRecord
		members []string
	}
	var groups []*group
	index := make(map[common.SHA256Output]*group)
	successes := 0
	for i, records := range results {
		if errs[i] != nil {
			continue
		}
		successes++
		fp := recordsFingerprint(records)
		g, ok := index[fp]
		if !ok {
			g = &group{records: records}
			index[fp] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, servers[i].Identity)
	}
	if successes < quorum {
		return nil, fmt.Errorf("%w: %d of %d map servers answered, quorum is %d | %s",
			common.ErrNetwork, successes, len(servers), quorum, util.ErrorsCoalesce(errs))
	}

	var best *group
	for _, g := range groups {
		if best == nil || len(g.members) > len(best.members) {
			best = g
		}
	}
	if len(best.members) < quorum {
		views := make([][]string, len(groups))
		for i, g := range groups {
			views[i] = g.members
		}
		return nil, fmt.Errorf("%w: %d views among %d map servers %v, quorum is %d",
			common.ErrQuorum, len(groups), successes, views, quorum)
	}
	return best.records, nil
}
