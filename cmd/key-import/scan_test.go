package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/keygate/internal/domain/auth"
)

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func newScanner() *scanner {
	return &scanner{hasher: auth.NewHasher(nil), expected: 1000, fpRate: 0.01}
}

func TestParseLine(t *testing.T) {
	h := auth.NewHasher(nil)
	tests := []struct {
		line    string
		wantOK  bool
		wantID  auth.ClientIdentity
		wantErr bool
	}{
		{line: "client-A,secret123", wantOK: true, wantID: "client-A"},
		{line: "  client-A , secret123  ", wantOK: true, wantID: "client-A"},
		{line: "client-A,key,with,commas", wantOK: true, wantID: "client-A"},
		{line: ""},
		{line: "# comment"},
		{line: "no-separator", wantErr: true},
		{line: "client-A,", wantErr: true},
		{line: "bad client,key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, ok, err := parseLine(tt.line, h)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantID, r.id)
			}
		})
	}

	r, _, err := parseLine("client-A,key,with,commas", h)
	require.NoError(t, err)
	assert.Equal(t, h.Digest([]byte("key,with,commas")), r.digest)
}

func TestScan_Clean(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", "# team a", "client-1,k1", "client-2,k2"),
		writeGz(t, dir, "b.gz", "client-3,k3", "", "client-4,k4"),
		// Exact repeats of a record are harmless.
		writeGz(t, dir, "c.gz", "client-1,k1"),
	}

	report, err := newScanner().scan(context.Background(), files)
	require.NoError(t, err)
	assert.False(t, report.Conflicts())
	assert.Equal(t, uint64(5), report.Records)
}

func TestScan_SharedKeyAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", "client-1,k1", "client-2,shared"),
		writeGz(t, dir, "b.gz", "client-3,k3", "client-4,shared"),
	}

	report, err := newScanner().scan(context.Background(), files)
	require.NoError(t, err)
	require.True(t, report.Conflicts())
	assert.Equal(t, [][]string{{"client-2", "client-4"}}, report.SharedKeys)
	assert.Empty(t, report.RekeyedClients)
}

func TestScan_ConflictsWithinFile(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", "client-1,same", "client-2,same", "client-3,v1", "client-3,v2"),
	}

	report, err := newScanner().scan(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"client-1", "client-2"}}, report.SharedKeys)
	assert.Equal(t, []string{"client-3"}, report.RekeyedClients)
}

func TestScan_BadLine(t *testing.T) {
	dir := t.TempDir()
	files := []string{writeGz(t, dir, "a.gz", "client-1,k1", "garbage")}

	_, err := newScanner().scan(context.Background(), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.gz:2")
}

type fakeUpserter struct {
	batches [][]auth.Entry
}

func (f *fakeUpserter) UpsertAll(_ context.Context, entries []auth.Entry) error {
	f.batches = append(f.batches, append([]auth.Entry(nil), entries...))
	return nil
}

func TestWrite_Batches(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", "client-1,k1", "client-2,k2", "client-3,k3"),
		writeGz(t, dir, "b.gz", "client-4,k4", "client-5,k5"),
	}

	u := &fakeUpserter{}
	require.NoError(t, write(context.Background(), u, auth.NewHasher(nil), files, 2))

	require.Len(t, u.batches, 3)
	assert.Len(t, u.batches[0], 2)
	assert.Len(t, u.batches[2], 1)
	assert.Equal(t, auth.ClientIdentity("client-5"), u.batches[2][0].Identity)
}

func TestInputFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeGz(t, dir, "a.gz", "client-1,k1")
	writeGz(t, dir, "b.gz", "client-2,k2")

	files, err := inputFiles(dir, nil)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = inputFiles("", []string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, files)

	_, err = inputFiles("", nil)
	assert.Error(t, err)

	_, err = inputFiles("", []string{filepath.Join(dir, "missing.gz")})
	assert.Error(t, err)
}
