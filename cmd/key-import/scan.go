package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/keygate/internal/domain/auth"
)

const progressEvery = 1_000_000

// record is one parsed input line.
type record struct {
	id     auth.ClientIdentity
	digest auth.Digest
}

// parseLine parses "client,key". Blank lines and lines starting with '#' are
// skipped (ok is false).
func parseLine(line string, h *auth.Hasher) (r record, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return record{}, false, nil
	}
	name, key, found := strings.Cut(line, ",")
	if !found {
		return record{}, false, errors.New(`expected "client,key"`)
	}
	id, valid := auth.ParseIdentity(strings.TrimSpace(name))
	if !valid {
		return record{}, false, errors.Errorf("invalid client name %q", name)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return record{}, false, errors.Errorf("client %q: empty key", id)
	}
	return record{id: id, digest: h.Digest([]byte(key))}, true, nil
}

// streamFile calls fn for each record of a gzip-compressed input file.
func streamFile(ctx context.Context, path string, h *auth.Hasher, fn func(record)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for n := 1; scanner.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok, err := parseLine(scanner.Text(), h)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, n)
		}
		if ok {
			fn(r)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// fileFilter is the pass 1 result for one file: probabilistic sets of its
// digests and identities, plus the values that already looked repeated
// within the file.
type fileFilter struct {
	digests *bloom.BloomFilter
	ids     *bloom.BloomFilter

	digestCandidates map[auth.Digest]struct{}
	idCandidates     map[auth.ClientIdentity]struct{}
	records          uint64
}

// occurrences maps candidate values to every distinct partner seen with them.
type occurrences struct {
	ownersByDigest map[auth.Digest]map[auth.ClientIdentity]struct{}
	digestsByID    map[auth.ClientIdentity]map[auth.Digest]struct{}
}

func newOccurrences() occurrences {
	return occurrences{
		ownersByDigest: make(map[auth.Digest]map[auth.ClientIdentity]struct{}),
		digestsByID:    make(map[auth.ClientIdentity]map[auth.Digest]struct{}),
	}
}

func (o occurrences) addOwner(d auth.Digest, id auth.ClientIdentity) {
	if o.ownersByDigest[d] == nil {
		o.ownersByDigest[d] = make(map[auth.ClientIdentity]struct{})
	}
	o.ownersByDigest[d][id] = struct{}{}
}

func (o occurrences) addDigest(id auth.ClientIdentity, d auth.Digest) {
	if o.digestsByID[id] == nil {
		o.digestsByID[id] = make(map[auth.Digest]struct{})
	}
	o.digestsByID[id][d] = struct{}{}
}

func (o occurrences) merge(other occurrences) {
	for d, owners := range other.ownersByDigest {
		for id := range owners {
			o.addOwner(d, id)
		}
	}
	for id, digests := range other.digestsByID {
		for d := range digests {
			o.addDigest(id, d)
		}
	}
}

// Report lists conflicts found in the input.
type Report struct {
	// SharedKeys lists, per repeated key, the clients that share it.
	SharedKeys [][]string
	// RekeyedClients lists clients that appear with more than one key.
	RekeyedClients []string
	Records        uint64
}

// Conflicts reports whether the input must be rejected.
func (r Report) Conflicts() bool {
	return len(r.SharedKeys) > 0 || len(r.RekeyedClients) > 0
}

// scanner finds conflicting records across input files in two passes. Pass 1
// builds bloom filters per file concurrently. Pass 2 re-reads every file and
// keeps exact occurrences only for values that a filter flags as possibly
// repeated, so memory stays proportional to the number of candidates rather
// than to the input.
type scanner struct {
	hasher   *auth.Hasher
	expected uint
	fpRate   float64
}

func (s *scanner) scan(ctx context.Context, files []string) (Report, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := s.buildFilters(ctx, files)
	if err != nil {
		return Report{}, errors.Wrap(err, "build filters")
	}

	slog.Info("pass 2: confirming candidates")
	occ, err := s.confirm(ctx, files, filters)
	if err != nil {
		return Report{}, errors.Wrap(err, "confirm candidates")
	}

	var report Report
	for _, f := range filters {
		report.Records += f.records
	}
	for _, owners := range occ.ownersByDigest {
		if len(owners) < 2 {
			continue
		}
		ids := make([]string, 0, len(owners))
		for id := range owners {
			ids = append(ids, id.String())
		}
		sort.Strings(ids)
		report.SharedKeys = append(report.SharedKeys, ids)
	}
	sort.Slice(report.SharedKeys, func(i, j int) bool {
		return report.SharedKeys[i][0] < report.SharedKeys[j][0]
	})
	for id, digests := range occ.digestsByID {
		if len(digests) > 1 {
			report.RekeyedClients = append(report.RekeyedClients, id.String())
		}
	}
	sort.Strings(report.RekeyedClients)
	return report, nil
}

func (s *scanner) buildFilters(ctx context.Context, files []string) ([]*fileFilter, error) {
	filters := make([]*fileFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			ff := &fileFilter{
				digests:          bloom.NewWithEstimates(s.expected, s.fpRate),
				ids:              bloom.NewWithEstimates(s.expected, s.fpRate),
				digestCandidates: make(map[auth.Digest]struct{}),
				idCandidates:     make(map[auth.ClientIdentity]struct{}),
			}
			err := streamFile(ctx, path, s.hasher, func(r record) {
				if ff.digests.TestAndAdd(r.digest[:]) {
					ff.digestCandidates[r.digest] = struct{}{}
				}
				if ff.ids.TestAndAddString(r.id.String()) {
					ff.idCandidates[r.id] = struct{}{}
				}
				ff.records++
				if ff.records%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("records", ff.records))
				}
			})
			if err != nil {
				return err
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("records", ff.records))
			filters[i] = ff
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func (s *scanner) confirm(ctx context.Context, files []string, filters []*fileFilter) (occurrences, error) {
	results := make([]occurrences, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			occ := newOccurrences()
			own := filters[i]
			err := streamFile(ctx, path, s.hasher, func(r record) {
				if _, ok := own.digestCandidates[r.digest]; ok || inOthers(filters, i, func(f *fileFilter) bool {
					return f.digests.Test(r.digest[:])
				}) {
					occ.addOwner(r.digest, r.id)
				}
				if _, ok := own.idCandidates[r.id]; ok || inOthers(filters, i, func(f *fileFilter) bool {
					return f.ids.TestString(r.id.String())
				}) {
					occ.addDigest(r.id, r.digest)
				}
			})
			if err != nil {
				return err
			}
			results[i] = occ
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return occurrences{}, err
	}

	merged := newOccurrences()
	for _, occ := range results {
		merged.merge(occ)
	}
	return merged, nil
}

func inOthers(filters []*fileFilter, self int, test func(*fileFilter) bool) bool {
	for j, f := range filters {
		if j != self && test(f) {
			return true
		}
	}
	return false
}
