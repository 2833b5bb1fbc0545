// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package chip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seagate/gpu-runlist-lib/pkg/ramrl"
)

func TestParseBDF(t *testing.T) {
	b, err := ParseBDF("0000:3B:00.1")
	require.NoError(t, err)
	assert.Equal(t, BDF{Domain: 0, Bus: 0x3b, Device: 0, Function: 1}, b)
	assert.Equal(t, "0000:3b:00.1", b.String())

	b, err = ParseBDF("65:1f.7")
	require.NoError(t, err)
	assert.Equal(t, BDF{Bus: 0x65, Device: 0x1f, Function: 7}, b)

	for _, bad := range []string{"", "0000:3b", "0000:3b:00", "0000:3b:00.8", "0000:3b:20.0", "0000:zz:00.0", "1:2:3:4.0"} {
		_, err := ParseBDF(bad)
		assert.Error(t, err, bad)
	}
}

func TestLookup(t *testing.T) {
	a, err := Lookup(" GV11B ")
	require.NoError(t, err)
	assert.Equal(t, "gv11b", a.Name)
	assert.IsType(t, ramrl.GV11B{}, a.Encoder())

	a, err = Lookup("gm20b")
	require.NoError(t, err)
	assert.IsType(t, ramrl.GK20A{}, a.Encoder())
	f, err := a.Scaler().ScaleFactor()
	require.NoError(t, err)
	assert.Equal(t, "1.644736", f)
	ticks, err := a.Scaler().Scale(1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(625), ticks)

	_, err = Lookup("nv50")
	assert.Error(t, err)

	assert.Equal(t, []string{"ga100", "ga10b", "gk20a", "gm20b", "gv11b", "tu104"}, ArchNames())
}

func TestArchParamsAreCopies(t *testing.T) {
	a, err := Lookup("tu104")
	require.NoError(t, err)
	p := a.Params()
	assert.True(t, p.Interleave)
	assert.Equal(t, a.MaxEntries, p.MaxEntries)
	p.Engines[0].PBDMAs[0] = 7
	assert.Equal(t, uint32(0), a.Engines[0].PBDMAs[0])
}

func TestArchTableConsistent(t *testing.T) {
	for _, name := range ArchNames() {
		a, _ := Lookup(name)
		assert.NotZero(t, a.PtimerSrcFreqHz, name)
		for _, e := range a.Engines {
			assert.Less(t, e.RunlistID, a.MaxRunlists, name)
		}
		lim := a.Encoder().Limits()
		assert.LessOrEqual(t, a.NumChannels-1, lim.MaxID, name)
		assert.LessOrEqual(t, a.NumTSGs-1, lim.MaxID, name)
	}
}

func TestArchForDevice(t *testing.T) {
	a, ok := ArchForDevice(0x1EB8)
	require.True(t, ok)
	assert.Equal(t, "tu104", a.Name)
	a, ok = ArchForDevice(0x20B0)
	require.True(t, ok)
	assert.Equal(t, "ga100", a.Name)
	_, ok = ArchForDevice(0x1234)
	assert.False(t, ok)
}

func writeDev(t *testing.T, root, bdf, vendor, device, class string) {
	dir := filepath.Join(root, SYSFS_PCI_DEVICES, bdf)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, val := range map[string]string{"vendor": vendor, "device": device, "class": class} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644))
	}
}

const testPciIDs = `# test pci.ids
10de  NVIDIA Corporation
	1eb8  TU104GL [Tesla T4]
	20b0  GA100 [A100 SXM4 40GB]
8086  Intel Corporation
	0d4f  Ethernet Controller
`

func TestInitGpuDevList(t *testing.T) {
	root := t.TempDir()
	writeDev(t, root, "0000:3b:00.0", "0x10de", "0x1eb8", "0x030200")
	writeDev(t, root, "0000:5e:00.0", "0x10de", "0x20b0", "0x030000")
	writeDev(t, root, "0000:5e:00.1", "0x10de", "0x10f0", "0x040300") // audio function
	writeDev(t, root, "0000:00:1f.6", "0x8086", "0x0d4f", "0x020000")
	writeDev(t, root, "0000:af:00.0", "0x10de", "0x1234", "0x030000")
	require.NoError(t, os.MkdirAll(filepath.Join(root, SYSFS_PCI_DEVICES, "not-a-bdf"), 0o755))

	devs, err := InitGpuDevList(root)
	require.NoError(t, err)
	require.Equal(t, []string{"0000:3b:00.0", "0000:5e:00.0", "0000:af:00.0"}, SortedBDFs(devs))

	t4 := devs["0000:3b:00.0"]
	assert.Equal(t, uint16(0x1eb8), t4.DeviceID)
	assert.Equal(t, "tu104", t4.Arch)
	a, err := t4.GetArch()
	require.NoError(t, err)
	assert.Equal(t, "tu104", a.Name)

	_, err = devs["0000:af:00.0"].GetArch()
	assert.Error(t, err)

	idsPath := filepath.Join(root, "pci.ids")
	require.NoError(t, os.WriteFile(idsPath, []byte(testPciIDs), 0o644))
	db, err := OpenPciDB(idsPath)
	require.NoError(t, err)
	Describe(db, devs)
	assert.Equal(t, "NVIDIA Corporation", t4.Vendor)
	assert.Equal(t, "TU104GL [Tesla T4]", t4.Product)
	assert.Equal(t, "GA100 [A100 SXM4 40GB]", devs["0000:5e:00.0"].Product)
	assert.Empty(t, devs["0000:af:00.0"].Product)
}

func TestInitGpuDevListMissingRoot(t *testing.T) {
	_, err := InitGpuDevList(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
