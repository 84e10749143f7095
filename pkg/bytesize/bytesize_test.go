package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"64MB", 64 * MB},
		{"1.5 GB", GB + GB/2},
		{"512Mi", 512 * MB},
		{"10k", 10 * KB},
		{"  2tb ", 2 * TB},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "MB", "-5MB", "12 parsecs", "1.2.3"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "5 B", Format(5))
	assert.Equal(t, "1.0 kB", Format(KB))
	assert.Equal(t, "1.5 MB", Format(MB+MB/2))
	assert.Equal(t, "2.0 GB", Format(2*GB))
}

func TestSize_YAML(t *testing.T) {
	var cfg struct {
		Max  Size `yaml:"max"`
		Raw  Size `yaml:"raw"`
		Zero Size `yaml:"zero"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("max: 64MB\nraw: 2048\n"), &cfg))
	assert.Equal(t, 64*MB, cfg.Max.Bytes())
	assert.Equal(t, int64(2048), cfg.Raw.Bytes())
	assert.Equal(t, int64(0), cfg.Zero.Bytes())

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "max: 64MB")
	assert.Contains(t, string(out), "raw: 2KB")
}

func TestSize_YAMLInvalid(t *testing.T) {
	var cfg struct {
		Max Size `yaml:"max"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("max: lots\n"), &cfg))
}
