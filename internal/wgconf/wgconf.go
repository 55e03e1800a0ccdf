// Package wgconf implements the WireGuard client-config extraction
// protocol: the remote read command, the sentinel-delimited payload
// scan, and the boot-time setup that writes the config on the VM.
//
// The config is generated once, at boot, on the VM itself. This package
// never generates production key material -- it only locates the
// finished config inside free-form command output.
package wgconf

import (
	"fmt"
	"strings"
)

// ListenPort is the WireGuard UDP port opened on the VM.
const ListenPort = 51820

// ClientConfigPath is where the VM's boot-time setup writes the
// generated client configuration.
const ClientConfigPath = "/etc/wireguard/client.conf"

// Sentinel markers delimiting the config inside raw command output.
// Both must appear, in order, for extraction to succeed; everything
// outside them is treated as log noise.
const (
	MarkerStart = "=== WIREGUARD_CLIENT_CONFIG_START ==="
	MarkerEnd   = "=== WIREGUARD_CLIENT_CONFIG_END ==="
)

// Structural section headers a valid client config must contain.
const (
	sectionInterface = "[Interface]"
	sectionPeer      = "[Peer]"
)

// ReadCommand returns the shell command executed on a ready VM to dump
// the client config between the sentinel markers. The markers make the
// payload recoverable even when the transport prepends banners or the
// shell emits warnings.
func ReadCommand() string {
	return fmt.Sprintf("echo '%s'; cat %s 2>/dev/null; echo '%s'",
		MarkerStart, ClientConfigPath, MarkerEnd)
}

// Extract scans raw command output for the sentinel-delimited client
// config. It returns the trimmed payload and true only when both
// markers appear in order and the payload contains both required
// sections; any failed check yields ("", false). A partial or garbled
// config is never returned.
func Extract(output string) (string, bool) {
	start := strings.Index(output, MarkerStart)
	if start < 0 {
		return "", false
	}
	rest := output[start+len(MarkerStart):]
	end := strings.Index(rest, MarkerEnd)
	if end < 0 {
		return "", false
	}

	conf := strings.TrimSpace(rest[:end])
	if !strings.Contains(conf, sectionInterface) || !strings.Contains(conf, sectionPeer) {
		return "", false
	}
	return conf, true
}

// SampleConfig returns a syntactically complete client config with
// placeholder keys, used by the dry-run provider. The keys are fixed
// test vectors, not real key material.
func SampleConfig(publicIP string) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = cOFA1gfMGvoDSJHKOlk5XaXDQZCOVAn3wR4SbQsXX3Q=
Address = 10.8.0.2/24
DNS = 1.1.1.1

[Peer]
PublicKey = n/fMKKDjMxKNvSZHQTWYUCYDcTGgTwMJkLc0X7rTgXo=
Endpoint = %s:%d
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, publicIP, ListenPort)
}

// CloudInit returns the user-data that sets up WireGuard on first boot:
// install the package, generate server and client keypairs, bring up
// the tunnel, and persist the client config to ClientConfigPath for
// later retrieval.
func CloudInit() string {
	return fmt.Sprintf(`#cloud-config
package_update: true
packages:
  - wireguard

write_files:
  - path: /usr/local/sbin/wgvm-setup.sh
    permissions: "0700"
    content: |
      #!/bin/bash
      set -euo pipefail
      umask 077
      server_ip="$(curl -s -H 'Metadata-Flavor: Google' \
        http://metadata.google.internal/computeMetadata/v1/instance/network-interfaces/0/access-configs/0/external-ip)"
      wg genkey | tee /etc/wireguard/server.key | wg pubkey > /etc/wireguard/server.pub
      wg genkey | tee /etc/wireguard/client.key | wg pubkey > /etc/wireguard/client.pub
      cat > /etc/wireguard/wg0.conf <<EOF
      [Interface]
      PrivateKey = $(cat /etc/wireguard/server.key)
      Address = 10.8.0.1/24
      ListenPort = %d

      [Peer]
      PublicKey = $(cat /etc/wireguard/client.pub)
      AllowedIPs = 10.8.0.2/32
      EOF
      cat > %s <<EOF
      [Interface]
      PrivateKey = $(cat /etc/wireguard/client.key)
      Address = 10.8.0.2/24
      DNS = 1.1.1.1

      [Peer]
      PublicKey = $(cat /etc/wireguard/server.pub)
      Endpoint = ${server_ip}:%d
      AllowedIPs = 0.0.0.0/0
      PersistentKeepalive = 25
      EOF
      sysctl -w net.ipv4.ip_forward=1
      systemctl enable --now wg-quick@wg0

runcmd:
  - /usr/local/sbin/wgvm-setup.sh
`, ListenPort, ClientConfigPath, ListenPort)
}
