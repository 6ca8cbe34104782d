package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestExtractText(t *testing.T) {
	path := writeFile(t, "note.txt", []byte("hello Jane Doe"))
	doc, err := New(0).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", doc.Name)
	assert.Equal(t, []string{"hello Jane Doe"}, doc.Segments)
	out, err := doc.Assemble([]string{"hello <PERSON_1>"})
	require.NoError(t, err)
	assert.Equal(t, "hello <PERSON_1>", out)
}

func TestExtractCSVPerCell(t *testing.T) {
	path := writeFile(t, "people.csv", []byte("name,email\nJohn Smith,john@a.com\nMary Major,\"m@b.org\"\n"))
	doc, err := New(0).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, doc.Format)
	assert.Equal(t, []string{"name", "email", "John Smith", "john@a.com", "Mary Major", "m@b.org"}, doc.Segments)

	segs := append([]string(nil), doc.Segments...)
	segs[3] = "<EMAIL_ADDRESS_1>"
	out, err := doc.Assemble(segs)
	require.NoError(t, err)
	assert.Equal(t, "name,email\nJohn Smith,<EMAIL_ADDRESS_1>\nMary Major,m@b.org\n", out)

	_, err = doc.Assemble(segs[:2])
	assert.Error(t, err)
}

func TestExtractJSONStringLeaves(t *testing.T) {
	path := writeFile(t, "rec.json", []byte(`{"user":{"name":"John Smith","age":42},"tags":["a@x.com","ok"]}`))
	doc, err := New(0).Extract(context.Background(), path)
	require.NoError(t, err)
	// Keys are walked sorted: tags before user.
	assert.Equal(t, []string{"a@x.com", "ok", "John Smith"}, doc.Segments)

	out, err := doc.Assemble([]string{"<EMAIL_ADDRESS_1>", "ok", "<PERSON_1>"})
	require.NoError(t, err)
	assert.Contains(t, out, `"<EMAIL_ADDRESS_1>"`)
	assert.Contains(t, out, `"name": "<PERSON_1>"`)
	assert.Contains(t, out, `"age": 42`)
}

func TestExtractErrors(t *testing.T) {
	ctx := context.Background()
	x := New(16)

	_, err := x.Extract(ctx, writeFile(t, "scan.pdf", []byte("%PDF-1.7")))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = x.Extract(ctx, writeFile(t, "bad.txt", []byte{0xff, 0xfe, 'a'}))
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = x.Extract(ctx, writeFile(t, "bad.csv", []byte("a,\"b\nc")))
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = x.Extract(ctx, writeFile(t, "bad.json", []byte("{")))
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = x.Extract(ctx, writeFile(t, "trailing.json", []byte(`{"a":1} zz`)))
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = x.Extract(ctx, writeFile(t, "twice.json", []byte(`{} {}`)))
	assert.True(t, errors.Is(err, ErrCorrupt))

	doc, err := x.Extract(ctx, writeFile(t, "ok.json", []byte("{\"a\":\"x\"}\n")))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, doc.Segments)

	_, err = x.Extract(ctx, writeFile(t, "big.txt", []byte(strings.Repeat("x", 17))))
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = x.Extract(ctx, filepath.Join(t.TempDir(), "absent.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = x.Extract(canceled, writeFile(t, "ok.txt", []byte("x")))
	assert.True(t, errors.Is(err, context.Canceled))
}
