package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderHostname(t *testing.T) {
	assert.Equal(t, []byte("myhost\n"), RenderHostname("myhost"))
}

func TestRenderResolvConfFullConfig(t *testing.T) {
	cfg := DNSConfig{
		Nameservers: []string{"1.1.1.1", "8.8.8.8"},
		Domain:      "example.com",
		Search:      []string{"a.example.com", "b.example.com"},
		Options:     []string{"ndots:2"},
	}
	want := "nameserver 1.1.1.1\n" +
		"nameserver 8.8.8.8\n" +
		"domain example.com\n" +
		"search a.example.com b.example.com\n" +
		"opts ndots:2\n"
	assert.Equal(t, []byte(want), RenderResolvConf(cfg))
}

func TestRenderResolvConfMinimalConfigOmitsEmptySections(t *testing.T) {
	cfg := DNSConfig{Nameservers: []string{"9.9.9.9"}}
	assert.Equal(t, []byte("nameserver 9.9.9.9\n"), RenderResolvConf(cfg))
}

func TestRenderResolvConfEmptyConfigIsEmpty(t *testing.T) {
	assert.Equal(t, []byte(""), RenderResolvConf(DNSConfig{}))
}
