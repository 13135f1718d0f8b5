package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTemplateID(t *testing.T) {
	valid := []string{
		"7f9c24e5-2f8a-4b1e-9d36-0a1b2c3d4e5f",
		"invoice_2024",
		"abc",
		"a1-b2_c3",
	}
	for _, id := range valid {
		require.True(t, ValidTemplateID(id), id)
	}
	invalid := []string{
		"",
		"ab",
		"../escape",
		"UPPER",
		"has space",
		"has/slash",
		"-leading-dash",
	}
	for _, id := range invalid {
		require.False(t, ValidTemplateID(id), id)
	}
}

func TestDirRejectsEscapes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	dir, err := s.Dir(KindPDF, "my_template")
	require.NoError(t, err)
	require.True(t, s.Within(dir))

	_, err = s.Dir(KindPDF, "../../etc")
	require.Error(t, err)
	var pe *PathError
	require.ErrorAs(t, err, &pe)

	require.False(t, s.Within(filepath.Join(s.Root(), "..", "outside")))
}

func TestWriteBytesAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteBytesAtomic(path, []byte("hello")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	// Overwrite leaves no temp litter.
	require.NoError(t, WriteBytesAtomic(path, []byte("world")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteJSONAtomicReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := map[string]string{"a": "1"}
	require.NoError(t, WriteJSONAtomic(path, in))

	var out map[string]string
	require.NoError(t, ReadJSON(path, &out))
	require.Equal(t, in, out)

	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestManifestVerify(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteTextAtomic(filepath.Join(dir, "template_p1.html"), "<html>{a}</html>"))

	m, err := WriteManifest(dir, "verify", []string{"source.pdf"}, "cid-1", map[string]string{"template": "template_p1.html"})
	require.NoError(t, err)
	require.Equal(t, "verify", m.Step)
	require.NoError(t, VerifyManifest(dir, m))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, m.FileChecksums, loaded.FileChecksums)

	// Drift is detected.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "template_p1.html"), []byte("tampered"), 0o644))
	require.ErrorContains(t, VerifyManifest(dir, loaded), "checksum drift")

	// Missing file is a hard error.
	require.NoError(t, os.Remove(filepath.Join(dir, "template_p1.html")))
	require.ErrorContains(t, VerifyManifest(dir, loaded), "missing")
}

func TestLoadManifestAbsent(t *testing.T) {
	m, err := LoadManifest(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestCleanTmp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "generator"), 0o755))
	for _, name := range []string{
		"contract.json.tmp-123",
		"filled_20240101.html.tmp-9",
		"generator/sql_pack.sql.tmp-7",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	keep := filepath.Join(dir, "contract.json")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	CleanTmp(dir)

	_, err := os.Stat(keep)
	require.NoError(t, err)
	for _, name := range []string{"contract.json.tmp-123", "filled_20240101.html.tmp-9", "generator/sql_pack.sql.tmp-7"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.ErrorIs(t, err, os.ErrNotExist)
	}
}
