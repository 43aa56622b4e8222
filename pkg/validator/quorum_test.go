package validator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
)

func recordsWithHash(h byte) []*mapCommon.DomainRecord {
	return []*mapCommon.DomainRecord{
		{Domain: "example.com", ProofType: mapCommon.PoA},
		{Domain: "a.example.com", ProofType: mapCommon.PoP, EntryHash: common.SHA256Output{h}},
	}
}

// TestSelectByQuorum: the largest agreeing group is selected if it reaches the quorum.
func TestSelectByQuorum(t *testing.T) {
	servers := []config.MapServer{{Identity: "a"}, {Identity: "b"}, {Identity: "c"}}
	down := fmt.Errorf("%w: down", common.ErrNetwork)

	cases := map[string]struct {
		quorum  int
		results [][]*mapCommon.DomainRecord
		errs    []error
		err     error
		hash    byte
	}{
		"all_agree": {
			quorum:  3,
			results: [][]*mapCommon.DomainRecord{recordsWithHash(1), recordsWithHash(1), recordsWithHash(1)},
			errs:    []error{nil, nil, nil},
			hash:    1,
		},
		"majority": {
			quorum:  2,
			results: [][]*mapCommon.DomainRecord{recordsWithHash(2), recordsWithHash(1), recordsWithHash(1)},
			errs:    []error{nil, nil, nil},
			hash:    1,
		},
		"one_down": {
			quorum:  2,
			results: [][]*mapCommon.DomainRecord{nil, recordsWithHash(1), recordsWithHash(1)},
			errs:    []error{down, nil, nil},
			hash:    1,
		},
		"disagreement": {
			quorum:  2,
			results: [][]*mapCommon.DomainRecord{recordsWithHash(1), recordsWithHash(2), recordsWithHash(3)},
			errs:    []error{nil, nil, nil},
			err:     common.ErrQuorum,
		},
		"too_many_down": {
			quorum:  2,
			results: [][]*mapCommon.DomainRecord{nil, nil, recordsWithHash(1)},
			errs:    []error{down, down, nil},
			err:     common.ErrNetwork,
		},
		"quorum_of_one": {
			quorum:  1,
			results: [][]*mapCommon.DomainRecord{recordsWithHash(1), recordsWithHash(2), nil},
			errs:    []error{nil, nil, down},
			hash:    1,
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			records, err := selectByQuorum(tc.quorum, servers, tc.results, tc.errs)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, common.SHA256Output{tc.hash}, records[1].EntryHash)
		})
	}
}

// TestRecordsFingerprint: the order of the records does not matter, their content does.
func TestRecordsFingerprint(t *testing.T) {
	a := recordsWithHash(1)
	b := []*mapCommon.DomainRecord{a[1], a[0]}
	require.Equal(t, recordsFingerprint(a), recordsFingerprint(b))
	require.NotEqual(t, recordsFingerprint(a), recordsFingerprint(recordsWithHash(2)))

	absent := recordsWithHash(0)
	absent[1].ProofType = mapCommon.PoA
	require.NotEqual(t, recordsFingerprint(absent), recordsFingerprint(recordsWithHash(0)))
}
