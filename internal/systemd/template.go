// Package systemd renders and checks the kalpana-core service unit.
package systemd

import (
	"fmt"
	"strings"
)

// Default install locations.
const (
	DefaultBinary = "/usr/local/bin/kalpana-core"
	DefaultConfig = "/etc/kalpana/core.yaml"
	DefaultGroup  = "kalpana"
)

// UnitOptions fills the unit template. Zero values take the defaults.
type UnitOptions struct {
	Binary string
	Config string
	// Group owns the request socket; members of it may connect.
	Group string
	// ReadWritePaths are extra writable paths for the audit sink.
	ReadWritePaths []string
}

func (o UnitOptions) withDefaults() UnitOptions {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.Config == "" {
		o.Config = DefaultConfig
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if len(o.ReadWritePaths) == 0 {
		o.ReadWritePaths = []string{"/var/lib/kalpana"}
	}
	return o
}

// CoreUnit returns the kalpana-core.service unit. The core runs as root
// because its closed executor acts on the system; the sandboxing below
// removes what no action kind needs. Type=notify is not used: readiness is
// the request socket appearing under RuntimeDirectory.
func CoreUnit(opts UnitOptions) string {
	o := opts.withDefaults()
	return fmt.Sprintf(`[Unit]
Description=Kalpana authority core
Documentation=man:kalpana-core(8)
After=local-fs.target network.target
Before=display-manager.service

[Service]
Type=simple
ExecStart=%[1]s serve --config %[2]s
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=2
RestartPreventExitStatus=78
TimeoutStopSec=15
KillMode=mixed
Group=%[3]s
RuntimeDirectory=kalpana
RuntimeDirectoryMode=0750
StateDirectory=kalpana
StateDirectoryMode=0700
UMask=0077
NoNewPrivileges=true
PrivateTmp=true
ProtectKernelModules=true
ProtectKernelLogs=true
ProtectControlGroups=true
ProtectClock=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
MemoryDenyWriteExecute=true
ReadWritePaths=%[4]s
LimitNOFILE=4096

[Install]
WantedBy=multi-user.target
`, o.Binary, o.Config, o.Group, strings.Join(o.ReadWritePaths, " "))
}
