package helpers

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// row is a test struct with header tags.
type row struct {
	Name  string `header:"NAME"`
	Value int    `header:"VALUE"`
	Note  string `header:"NOTE"`
	Extra string // No header tag, should be ignored
}

func TestNewFormatter(t *testing.T) {
	for _, format := range SupportedFormats {
		f, err := NewFormatter(format)
		require.NoError(t, err, format)
		assert.NotNil(t, f)
	}

	_, err := NewFormatter(OutputFormat("csv"))
	assert.Error(t, err)
}

func TestJSONFormatter_Format(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, (&JSONFormatter{}).Format(row{Name: "single", Value: 42}, buf))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "single", out["Name"])
}

func TestTableFormatter_Format(t *testing.T) {
	tests := []struct {
		name         string
		data         interface{}
		wantErr      bool
		wantContains []string
		wantAbsent   []string
	}{
		{
			name:         "slice of structs",
			data:         []row{{Name: "a", Value: 1, Extra: "hidden"}, {Name: "b", Value: 2, Note: "x"}},
			wantContains: []string{"NAME", "VALUE", "NOTE", "a", "b", "-"},
			wantAbsent:   []string{"hidden", "Extra"},
		},
		{
			name:         "slice of pointers",
			data:         []*row{{Name: "p", Value: 7}},
			wantContains: []string{"NAME", "p", "7"},
		},
		{
			name: "empty slice",
			data: []row{},
		},
		{
			name:    "non-slice data",
			data:    row{Name: "single"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			err := (&TableFormatter{}).Format(tt.data, buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, want := range tt.wantContains {
				assert.Contains(t, buf.String(), want)
			}
			for _, absent := range tt.wantAbsent {
				assert.NotContains(t, buf.String(), absent)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat("json", SupportedFormats))
	assert.ErrorContains(t, ValidateFormat("yaml", SupportedFormats), "table, json")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "1.5µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "2.5ms", FormatDuration(2500*time.Microsecond))
	assert.Equal(t, "1.25s", FormatDuration(1250*time.Millisecond))
}
