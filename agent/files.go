package agent

import "strings"

// RenderHostname renders /etc/hostname's sole content line (spec §6).
func RenderHostname(hostname string) []byte {
	return []byte(hostname + "\n")
}

// RenderResolvConf renders /etc/resolv.conf from a DNSConfig (spec §6).
func RenderResolvConf(cfg DNSConfig) []byte {
	var b strings.Builder
	for _, ns := range cfg.Nameservers {
		b.WriteString("nameserver ")
		b.WriteString(ns)
		b.WriteByte('\n')
	}
	if cfg.Domain != "" {
		b.WriteString("domain ")
		b.WriteString(cfg.Domain)
		b.WriteByte('\n')
	}
	if len(cfg.Search) > 0 {
		b.WriteString("search ")
		b.WriteString(strings.Join(cfg.Search, " "))
		b.WriteByte('\n')
	}
	if len(cfg.Options) > 0 {
		b.WriteString("opts ")
		b.WriteString(strings.Join(cfg.Options, " "))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
