package storage

import (
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddressRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	addr := &AddressRecord{
		Address:    "bcrt1qtest0",
		Branch:     0,
		Index:      0,
		Path:       "m/84'/1'/0'/0/0",
		PublicKey:  "02abcd",
		ScriptHash: "deadbeef",
	}
	if err := s.SaveAddress(addr); err != nil {
		t.Fatalf("SaveAddress() error = %v", err)
	}

	got, err := s.GetAddress("bcrt1qtest0")
	if err != nil {
		t.Fatalf("GetAddress() error = %v", err)
	}
	if got == nil || got.ScriptHash != "deadbeef" || got.HasTx {
		t.Errorf("GetAddress() = %+v", got)
	}

	byHash, err := s.GetAddressByScriptHash("deadbeef")
	if err != nil || byHash == nil || byHash.Address != "bcrt1qtest0" {
		t.Errorf("GetAddressByScriptHash() = %+v, err %v", byHash, err)
	}

	byPath, err := s.GetAddressByPath(0, 0)
	if err != nil || byPath == nil || byPath.Address != "bcrt1qtest0" {
		t.Errorf("GetAddressByPath() = %+v, err %v", byPath, err)
	}

	missing, err := s.GetAddress("bcrt1qnothere")
	if err != nil || missing != nil {
		t.Errorf("missing address should be nil, nil; got %+v, %v", missing, err)
	}
}

func TestMaxUsedIndex(t *testing.T) {
	s := newTestStorage(t)

	if max, _ := s.MaxUsedIndex(0); max != -1 {
		t.Errorf("empty branch max = %d, want -1", max)
	}

	for i := uint32(0); i < 3; i++ {
		s.SaveAddress(&AddressRecord{
			Address: "addr" + string(rune('a'+i)), Branch: 0, Index: i,
			Path: "m", PublicKey: "02", ScriptHash: "sh" + string(rune('a'+i)),
		})
	}

	// Nothing used yet.
	if max, _ := s.MaxUsedIndex(0); max != -1 {
		t.Errorf("unused branch max = %d, want -1", max)
	}

	s.MarkAddressHasTx("addrb")
	if max, _ := s.MaxUsedIndex(0); max != 1 {
		t.Errorf("max after has_tx on index 1 = %d, want 1", max)
	}
	if max, _ := s.MaxActiveIndex(0); max != 1 {
		t.Errorf("active max = %d, want 1", max)
	}

	s.MarkAddressIssued("addrc")
	if max, _ := s.MaxUsedIndex(0); max != 2 {
		t.Errorf("max after issue on index 2 = %d, want 2", max)
	}
	// issued does not count as active
	if max, _ := s.MaxActiveIndex(0); max != 1 {
		t.Errorf("active max after issue = %d, want 1", max)
	}
}

func TestLedgerEntryPromotion(t *testing.T) {
	s := newTestStorage(t)

	e := &LedgerEntry{
		Address: "a1", Direction: LedgerOut,
		TxID: "t1", Vout: 0, State: "mempool", Amount: 5000,
	}
	if err := s.PutLedgerEntry(e); err != nil {
		t.Fatalf("PutLedgerEntry() error = %v", err)
	}

	got, err := s.GetLedgerEntry("a1", LedgerOut, "t1", 0)
	if err != nil || got == nil || got.State != "mempool" {
		t.Fatalf("GetLedgerEntry() = %+v, err %v", got, err)
	}

	// Promotion overwrites the state in place: one bucket per outpoint.
	e.State = "confirmed"
	if err := s.PutLedgerEntry(e); err != nil {
		t.Fatalf("promote error = %v", err)
	}
	got, _ = s.GetLedgerEntry("a1", LedgerOut, "t1", 0)
	if got.State != "confirmed" {
		t.Errorf("state after promotion = %s", got.State)
	}

	net, err := s.AddressNet("a1")
	if err != nil {
		t.Fatalf("AddressNet() error = %v", err)
	}
	if net["confirmed"] != 5000 || net["mempool"] != 0 {
		t.Errorf("net = %v", net)
	}
}

func TestLedgerNetAndSpendingInput(t *testing.T) {
	s := newTestStorage(t)

	s.PutLedgerEntry(&LedgerEntry{Address: "a1", Direction: LedgerOut, TxID: "t1", Vout: 0, State: "confirmed", Amount: 10000})
	s.PutLedgerEntry(&LedgerEntry{Address: "a1", Direction: LedgerIn, TxID: "t0", Vout: 1, State: "confirmed", Amount: 4000})
	s.PutLedgerEntry(&LedgerEntry{Address: "a1", Direction: LedgerFee, TxID: "t0", Vout: 1, State: "confirmed", Amount: 100})

	net, _ := s.AddressNet("a1")
	if net["confirmed"] != 6000 {
		t.Errorf("confirmed net = %d, want 6000 (fee excluded)", net["confirmed"])
	}

	totals, _ := s.LedgerNetTotals()
	if totals["confirmed"] != 6000 {
		t.Errorf("ledger totals = %v", totals)
	}

	spent, _ := s.HasSpendingInput("t0", 1)
	if !spent {
		t.Error("t0:1 should be seen as spent")
	}
	spent, _ = s.HasSpendingInput("t1", 0)
	if spent {
		t.Error("t1:0 should not be seen as spent")
	}
}

func TestTxLogPagination(t *testing.T) {
	s := newTestStorage(t)

	heights := []int64{100, 0, 103, 101}
	for i, h := range heights {
		s.SaveTx(&TxRecord{
			TxID: "tx" + string(rune('a'+i)), Direction: "INCOMING",
			Amount: int64(i+1) * 1000, Height: h,
			ToAddresses: []string{"a1"},
			ToMeta:      []OutputMeta{{Address: "a1", Amount: int64(i+1) * 1000, OwnAddress: true}},
			CreatedAt:   int64(1000 + i),
		})
	}

	// Default: descending by height, mempool first.
	txs, err := s.ListTxs(10, 0, false)
	if err != nil {
		t.Fatalf("ListTxs() error = %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("len = %d, want 4", len(txs))
	}
	if txs[0].Height != 0 || txs[1].Height != 103 || txs[3].Height != 100 {
		t.Errorf("order = %d,%d,%d,%d", txs[0].Height, txs[1].Height, txs[2].Height, txs[3].Height)
	}
	if len(txs[0].ToMeta) != 1 || !txs[0].ToMeta[0].OwnAddress {
		t.Errorf("ToMeta round trip failed: %+v", txs[0].ToMeta)
	}

	// Ascending with limit/offset.
	txs, _ = s.ListTxs(2, 1, true)
	if len(txs) != 2 || txs[0].Height != 101 {
		t.Errorf("reverse page = %+v", txs)
	}

	ids, _ := s.TxIDsForRescan(101, 103)
	// mempool entry + heights 101 and 103
	if len(ids) != 3 {
		t.Errorf("rescan ids = %v", ids)
	}
}

func TestUTXOLifecycle(t *testing.T) {
	s := newTestStorage(t)

	u := &UTXORecord{TxID: "t1", Vout: 1, Amount: 7000, Address: "a1", State: "confirmed"}
	if err := s.SaveUTXO(u); err != nil {
		t.Fatalf("SaveUTXO() error = %v", err)
	}

	s.SetUTXOLocked("t1", 1, true)
	list, _ := s.ListUTXOs()
	if len(list) != 1 || !list[0].Locked {
		t.Errorf("list = %+v", list)
	}

	s.DeleteUTXO("t1", 1)
	list, _ = s.ListUTXOs()
	if len(list) != 0 {
		t.Errorf("list after delete = %+v", list)
	}
}

func TestWatchedScriptsRing(t *testing.T) {
	s := newTestStorage(t)

	s.SaveWatchedScript(0, "sh1", "")
	s.SaveWatchedScript(0, "sh2", "st2")
	s.SaveWatchedScript(1, "sh3", "")

	list, err := s.ListWatchedScripts()
	if err != nil {
		t.Fatalf("ListWatchedScripts() error = %v", err)
	}
	if len(list) != 3 || list[0].ScriptHash != "sh1" || list[2].Branch != 1 {
		t.Errorf("list = %+v", list)
	}

	// Status refresh keeps position.
	s.SaveWatchedScript(0, "sh1", "new")
	list, _ = s.ListWatchedScripts()
	if list[0].ScriptHash != "sh1" || list[0].Status != "new" {
		t.Errorf("refresh moved or lost entry: %+v", list[0])
	}

	s.DeleteWatchedScript("sh2")
	list, _ = s.ListWatchedScripts()
	if len(list) != 2 {
		t.Errorf("len after delete = %d", len(list))
	}
}

func TestBalanceTotalsAndCache(t *testing.T) {
	s := newTestStorage(t)

	s.SaveBalanceTotal("confirmed", 20000000)
	s.SaveBalanceTotal("mempool", -5000)
	totals, _ := s.GetBalanceTotals()
	if totals["confirmed"] != 20000000 || totals["mempool"] != -5000 {
		t.Errorf("totals = %v", totals)
	}

	s.CachePut("history:sh1", []byte(`[{"tx_hash":"t1"}]`))
	v, ok, _ := s.CacheGet("history:sh1")
	if !ok || string(v) != `[{"tx_hash":"t1"}]` {
		t.Errorf("cache get = %q, %v", v, ok)
	}
	s.CacheClear()
	if _, ok, _ := s.CacheGet("history:sh1"); ok {
		t.Error("cache should be empty after clear")
	}

	s.SettingSet("last_block", "120")
	if v, _ := s.SettingGet("last_block"); v != "120" {
		t.Errorf("setting = %q", v)
	}
}
