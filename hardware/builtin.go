package hardware

// builtin is the default OpenWrt support table. The identifiers follow the
// upstream image naming convention (target-subtarget-device-filesystem-
// sysupgrade suffix) so that TypeFromFilename output matches table keys
// directly. Site-specific hardware is added through descriptor files, not by
// editing this table.
var builtin = map[string]Entry{
	"ramips-mt76x8-gl-mt300n-v2-squashfs-sysupgrade.bin": {
		Label:  "GL.iNet GL-MT300N-V2",
		Boards: []string{"GL-MT300N-V2"},
	},
	"mvebu-cortexa9-linksys_wrt1900acs-squashfs-sysupgrade.img": {
		Label:  "Linksys WRT1900ACS",
		Boards: []string{"Linksys WRT1900ACS"},
	},
	"mvebu-cortexa9-linksys_wrt3200acm-squashfs-sysupgrade.img": {
		Label:  "Linksys WRT3200ACM",
		Boards: []string{"Linksys WRT3200ACM"},
	},
	"brcm2708-bcm2709-rpi-2-ext4-sysupgrade.img.gz": {
		Label: "Raspberry Pi 2 Model B",
		Boards: []string{
			"Raspberry Pi 2 Model B Rev 1.0",
			"Raspberry Pi 2 Model B Rev 1.1",
			"Raspberry Pi 2 Model B Rev 1.2",
		},
	},
	"brcm2708-bcm2710-rpi-3-ext4-sysupgrade.img.gz": {
		Label:  "Raspberry Pi 3 Model B",
		Boards: []string{"Raspberry Pi 3 Model B Rev 1.2"},
	},
	"ar71xx-generic-archer-c7-v2-squashfs-sysupgrade.bin": {
		Label:  "TP-Link Archer C7 v2 (OpenWrt 19.07 and earlier)",
		Boards: []string{"TP-Link Archer C7 v2", "TP-Link Archer C7 v3"},
	},
	"ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin": {
		Label:  "TP-Link Archer C7 v2 (OpenWrt 19.07 and later)",
		Boards: []string{"TP-Link Archer C7 v2", "TP-Link Archer C7 v3"},
	},
	"ar71xx-generic-ubnt-airrouter-squashfs-sysupgrade.bin": {
		Label:  "Ubiquiti AirRouter (OpenWrt 19.07 and earlier)",
		Boards: []string{"Ubiquiti AirRouter"},
	},
	"ath79-generic-ubnt_airrouter-squashfs-sysupgrade.bin": {
		Label:  "Ubiquiti AirRouter (OpenWrt 19.07 and later)",
		Boards: []string{"Ubiquiti AirRouter"},
	},
	"x86-64-generic-squashfs-sysupgrade.bin": {
		Label:  "Generic x86/64 (QEMU/KVM)",
		Boards: []string{"x86_64", "QEMU Standard PC (i440FX + PIIX, 1996)"},
	},
}

// builtinOrder fixes the iteration order of the built-in table so the
// assembled Map is identical across processes.
var builtinOrder = []string{
	"ramips-mt76x8-gl-mt300n-v2-squashfs-sysupgrade.bin",
	"mvebu-cortexa9-linksys_wrt1900acs-squashfs-sysupgrade.img",
	"mvebu-cortexa9-linksys_wrt3200acm-squashfs-sysupgrade.img",
	"brcm2708-bcm2709-rpi-2-ext4-sysupgrade.img.gz",
	"brcm2708-bcm2710-rpi-3-ext4-sysupgrade.img.gz",
	"ar71xx-generic-archer-c7-v2-squashfs-sysupgrade.bin",
	"ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin",
	"ar71xx-generic-ubnt-airrouter-squashfs-sysupgrade.bin",
	"ath79-generic-ubnt_airrouter-squashfs-sysupgrade.bin",
	"x86-64-generic-squashfs-sysupgrade.bin",
}
