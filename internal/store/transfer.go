package store

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"webshield/internal/domain"
)

// maxTransferBytes bounds an imported JSON document.
const maxTransferBytes = 64 << 20

// TransferResult summarizes an Import.
type TransferResult struct {
	Added      int                `json:"added"`
	Duplicates int                `json:"duplicates"`
	Rejected   []domain.Rejection `json:"rejected,omitempty"`
}

// Export writes the entries of k as an indented JSON array.
func (st *Store) Export(k Kind, w io.Writer) error {
	items := st.All(k)
	if items == nil {
		items = []string{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(items, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	_, err = w.Write(data)
	return err
}

// Import reads a JSON array of entries into k. Domains go through the same
// normalizer as list imports (v carries mode and whitelist), list URLs must
// be absolute http(s) URLs. Rejected entries are reported, not fatal.
func (st *Store) Import(k Kind, r io.Reader, v domain.Validation) (TransferResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTransferBytes))
	if err != nil {
		return TransferResult{}, fmt.Errorf("read %s import: %w", k, err)
	}

	var entries []string
	if err := sonic.ConfigStd.Unmarshal(data, &entries); err != nil {
		return TransferResult{}, fmt.Errorf("decode %s import: expected JSON array of strings: %w", k, err)
	}

	if k == Allowed {
		v.EnforceWhitelist = false
	}
	if v.Allowed == nil {
		v.Allowed = st.IsAllowed
	}
	n := domain.NewNormalizer(v)

	var res TransferResult
	seen := make(map[string]struct{}, len(entries))
	accepted := make([]string, 0, len(entries))

	for _, e := range entries {
		var val string
		if k == Lists {
			u, ok := ValidListURL(e)
			if !ok {
				res.Rejected = append(res.Rejected, domain.Rejection{Candidate: strings.TrimSpace(e), Reason: domain.ReasonInvalidFormat})
				continue
			}
			val = u
		} else {
			d, ok := n.Domain(e)
			if !ok {
				continue
			}
			val = d
		}

		if _, dup := seen[val]; dup || st.Contains(k, val) {
			res.Duplicates++
			continue
		}
		seen[val] = struct{}{}
		accepted = append(accepted, val)
	}
	res.Rejected = append(res.Rejected, n.Rejections()...)

	added, err := st.Add(k, accepted...)
	res.Added = added
	return res, err
}
