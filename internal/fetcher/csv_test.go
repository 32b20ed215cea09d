package fetcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCSV_Basic(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader("id,name\n1,Acme\n2,Globex\n"), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"2", "Globex"}, rows[2])
}

func TestReadCSV_Options(t *testing.T) {
	input := "# comment\nid| name \n1|  Acme  \n2|Globex|extra\n"
	rows, err := ReadCSV(strings.NewReader(input), CSVOptions{Delimiter: '|', Comment: '#', TrimSpace: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "name"}, rows[0])
	assert.Equal(t, []string{"1", "Acme"}, rows[1])
	assert.Len(t, rows[2], 3)
}

func TestReadCSV_Malformed(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("a,\"b\nc"), CSVOptions{})
	assert.Error(t, err)
}

func TestReadTable_CSV(t *testing.T) {
	path := writeTestFile(t, "registry.csv", "ID, Legal_Name ,website\nR-1,Acme Corp,https://acme.test\n")

	tbl, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "legal_name", "website"}, tbl.Header)
	assert.Equal(t, 1, tbl.Column("LEGAL_NAME"))
	assert.Equal(t, -1, tbl.Column("missing"))
	require.Len(t, tbl.Rows, 1)
}

func TestReadTable_Errors(t *testing.T) {
	_, err := ReadTable(writeTestFile(t, "data.txt", "x"))
	assert.Error(t, err)

	_, err = ReadTable(writeTestFile(t, "empty.csv", ""))
	assert.Error(t, err)

	_, err = ReadTable(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
