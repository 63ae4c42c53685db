package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/errors"
)

const listing = `Chain INPUT (policy ACCEPT 4555K packets, 1390M bytes)
 pkts bytes target     prot opt in     out     source               destination
  12M 3904M zesk-ipban-ban-input  all  --  *      *       0.0.0.0/0            0.0.0.0/0
    0     0 ACCEPT     tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:22

Chain FORWARD (policy DROP 0 packets, 0 bytes)
 pkts bytes target     prot opt in     out     source               destination

Chain OUTPUT (policy ACCEPT 10 packets, 800 bytes)
 pkts bytes target     prot opt in     out     source               destination
    0     0 zesk-ipban-ban-output  all  --  *      *       0.0.0.0/0            0.0.0.0/0

Chain zesk-ipban-ban-input (1 references)
 pkts bytes target     prot opt in     out     source               destination
    3   180 DROP       all  --  *      *       1.2.3.4              0.0.0.0/0
    0     0 DROP       all  --  *      *       10.0.0.0/8           0.0.0.0/0

Chain zesk-ipban-ban-output (1 references)
 pkts bytes target     prot opt in     out     source               destination
    0     0 DROP       all  --  *      *       0.0.0.0/0            1.2.3.4
`

func TestParseChains(t *testing.T) {
	table, warnings := ParseChains(listing)
	assert.Empty(t, warnings)
	require.Len(t, table, 5)

	input := table["INPUT"]
	require.NotNil(t, input)
	assert.True(t, input.BuiltIn)
	assert.Equal(t, "ACCEPT", input.Policy)
	assert.Equal(t, "4555K packets, 1390M bytes", input.Stats)
	require.Len(t, input.Rules, 2)
	assert.True(t, input.LinksTo("zesk-ipban-ban-input"))
	assert.Equal(t, 2, input.Rules[1].Index)
	assert.Equal(t, []string{"tcp", "dpt:22"}, input.Rules[1].Extra)

	assert.Empty(t, table["FORWARD"].Rules)
	assert.Equal(t, "DROP", table["FORWARD"].Policy)

	ban := table["zesk-ipban-ban-input"]
	require.NotNil(t, ban)
	assert.False(t, ban.BuiltIn)
	assert.Equal(t, 1, ban.References)
	require.Len(t, ban.Rules, 2)
	assert.Equal(t, "1.2.3.4", ban.Rules[0].Source)
	assert.Equal(t, "10.0.0.0/8", ban.Rules[1].Source)
	assert.Equal(t, "DROP", ban.Rules[1].Target)
	assert.Equal(t, "zesk-ipban-ban-input", ban.Rules[1].Chain)
	assert.Equal(t, "180", ban.Rules[0].Get("bytes"))
}

func TestParseChains_SimpleHeader(t *testing.T) {
	out := "Chain INPUT (policy ACCEPT)\n" +
		"pkts bytes target prot opt in out source destination\n" +
		"0 0 DROP all -- * * 5.6.7.8 0.0.0.0/0\n"

	table, warnings := ParseChains(out)
	assert.Empty(t, warnings)
	input := table["INPUT"]
	require.NotNil(t, input)
	assert.Equal(t, "ACCEPT", input.Policy)
	assert.Equal(t, "", input.Stats)
	require.Len(t, input.Rules, 1)
	r := input.Rules[0]
	assert.Equal(t, 1, r.Index)
	assert.Equal(t, "INPUT", r.Chain)
	assert.Equal(t, "5.6.7.8", r.Source)
	assert.Equal(t, "0.0.0.0/0", r.Destination)
}

func TestParseChains_Warnings(t *testing.T) {
	out := `garbage before
Chain broken (something odd)
 pkts bytes target prot opt in out source destination
    0     0 DROP all -- * * 9.9.9.9 0.0.0.0/0

Chain good (0 references)
 pkts bytes target prot opt in out source destination
`
	table, warnings := ParseChains(out)
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.True(t, errors.IsSyntax(w))
	}
	assert.Equal(t, 1, errors.GetAttributes(warnings[0])["line"])
	assert.False(t, table.Has("broken"), "malformed block is skipped")
	assert.True(t, table.Has("good"))
	assert.Empty(t, table.Rules("good"))
}

func TestParseChains_BlankTarget(t *testing.T) {
	out := `Chain zesk-ipban-ban-input (1 references)
 pkts bytes target     prot opt in     out     source               destination
    0     0            all  --  *      *       5.5.5.5              0.0.0.0/0
    0     0            tcp  --  *      *       6.6.6.6              0.0.0.0/0            tcp dpt:22
    0     0 DROP       all  --  *      *       1.2.3.4              0.0.0.0/0
`
	table, warnings := ParseChains(out)
	assert.Empty(t, warnings)
	rules := table.Rules("zesk-ipban-ban-input")
	require.Len(t, rules, 3)

	assert.Equal(t, "", rules[0].Target)
	assert.Equal(t, "all", rules[0].Get("prot"))
	assert.Equal(t, "5.5.5.5", rules[0].Source)
	assert.Equal(t, "0.0.0.0/0", rules[0].Destination)

	assert.Equal(t, "6.6.6.6", rules[1].Source)
	assert.Equal(t, []string{"tcp", "dpt:22"}, rules[1].Extra)

	assert.Equal(t, "DROP", rules[2].Target)
	assert.Equal(t, "1.2.3.4", rules[2].Source)

	index := BuildIPIndex(table)
	assert.Equal(t, []Location{{Chain: "zesk-ipban-ban-input", Index: 1, Column: "source"}}, index["5.5.5.5"])
}

func TestBuildIPIndex(t *testing.T) {
	table, _ := ParseChains(listing)
	idx := BuildIPIndex(table)

	assert.NotContains(t, idx, "0.0.0.0/0")
	require.Len(t, idx["1.2.3.4"], 2)
	assert.True(t, idx.InChain("1.2.3.4", "zesk-ipban-ban-input"))
	assert.True(t, idx.InChain("1.2.3.4", "zesk-ipban-ban-output"))
	assert.False(t, idx.InChain("10.0.0.0/8", "zesk-ipban-ban-output"))

	for _, loc := range idx["1.2.3.4"] {
		if loc.Chain == "zesk-ipban-ban-output" {
			assert.Equal(t, "destination", loc.Column)
			assert.Equal(t, 1, loc.Index)
		}
	}
}

func TestDeletionOrder(t *testing.T) {
	locs := []Location{
		{Chain: "a", Index: 2},
		{Chain: "b", Index: 7},
		{Chain: "a", Index: 5},
		{Chain: "a", Index: 2, Column: "destination"},
		{Chain: "b", Index: 1},
	}
	got := DeletionOrder(locs)
	require.Len(t, got, 4)

	last := map[string]int{}
	for _, loc := range got {
		if prev, ok := last[loc.Chain]; ok {
			assert.Less(t, loc.Index, prev, "indices must strictly descend per chain")
		}
		last[loc.Chain] = loc.Index
	}
	assert.Equal(t, 7, got[0].Index)
}
