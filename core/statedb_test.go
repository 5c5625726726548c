package core

import "testing"

func TestStateDBTransferMovesBalance(t *testing.T) {
	s := NewStateDB()
	from := Address{0x01}
	to := Address{0x02}
	s.SetBalance(from, 1000)

	if err := s.Transfer(from, to, 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if s.GetBalance(from) != 600 {
		t.Fatalf("from balance = %d, want 600", s.GetBalance(from))
	}
	if s.GetBalance(to) != 400 {
		t.Fatalf("to balance = %d, want 400", s.GetBalance(to))
	}
}

func TestStateDBTransferInsufficientBalance(t *testing.T) {
	s := NewStateDB()
	from := Address{0x03}
	to := Address{0x04}
	s.SetBalance(from, 100)

	if err := s.Transfer(from, to, 200); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	if s.GetBalance(from) != 100 {
		t.Fatalf("balance must be unchanged on failed transfer")
	}
}

func TestStateDBSnapshotRestoreUndoesChanges(t *testing.T) {
	s := NewStateDB()
	addr := Address{0x05}
	s.SetBalance(addr, 1000)

	snap := s.Snapshot()
	s.Credit(addr, 500)
	s.SetStorage(addr, []byte("k"), []byte("v"))
	if s.GetBalance(addr) != 1500 {
		t.Fatalf("expected credited balance before restore")
	}

	s.Restore(snap)
	if s.GetBalance(addr) != 1000 {
		t.Fatalf("balance not restored, got %d", s.GetBalance(addr))
	}
	if got := s.GetStorage(addr, []byte("k")); len(got) != 0 {
		t.Fatalf("storage write not rolled back, got %q", got)
	}
}

func TestStateDBCheckAndIncrementNonce(t *testing.T) {
	s := NewStateDB()
	addr := Address{0x06}
	if err := s.CheckAndIncrementNonce(addr, 0); err != nil {
		t.Fatalf("expected nonce 0 to succeed: %v", err)
	}
	if s.GetNonce(addr) != 1 {
		t.Fatalf("nonce = %d, want 1", s.GetNonce(addr))
	}
	if err := s.CheckAndIncrementNonce(addr, 0); err != ErrInvalidNonce {
		t.Fatalf("expected ErrInvalidNonce on stale nonce, got %v", err)
	}
}

func TestStateDBSetCodeAndGetCode(t *testing.T) {
	s := NewStateDB()
	addr := Address{0x07}
	code := []byte{0x60, 0x00, 0x60, 0x00}
	h := s.SetCode(addr, code)
	if s.GetCodeHash(addr) != h {
		t.Fatalf("code hash not attached to account")
	}
	if got := s.GetCode(h); string(got) != string(code) {
		t.Fatalf("stored code mismatch")
	}
}

func TestStateDBModelRegistrationAndUpdate(t *testing.T) {
	s := NewStateDB()
	hash := KeccakHash([]byte("model"))
	model := &ModelState{Owner: Address{0x08}, ModelHash: hash, Version: 1}
	s.RegisterModel(hash, model)

	got, ok := s.GetModel(hash)
	if !ok || got.Version != 1 {
		t.Fatalf("expected registered model at version 1, got %+v ok=%v", got, ok)
	}

	if err := s.UpdateModel(hash, func(m *ModelState) { m.UsageStats.TotalInferences++ }); err != nil {
		t.Fatalf("update_model: %v", err)
	}
	got, _ = s.GetModel(hash)
	if got.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", got.Version)
	}
	if got.UsageStats.TotalInferences != 1 {
		t.Fatalf("expected usage stat applied")
	}
}

func TestStateDBUpdateModelNotFound(t *testing.T) {
	s := NewStateDB()
	if err := s.UpdateModel(KeccakHash([]byte("missing")), func(m *ModelState) {}); err != ErrModelNotFound {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestStateDBCommitIsDeterministic(t *testing.T) {
	s := NewStateDB()
	s.SetBalance(Address{0x09}, 10)
	s.SetBalance(Address{0x0a}, 20)
	root1 := s.Commit()

	s2 := NewStateDB()
	s2.SetBalance(Address{0x0a}, 20)
	s2.SetBalance(Address{0x09}, 10)
	root2 := s2.Commit()

	if root1 != root2 {
		t.Fatalf("commit must be order-independent: %x != %x", root1, root2)
	}
}

func TestStateDBSubmitAndGetTrainingJob(t *testing.T) {
	s := NewStateDB()
	owner := Address{0x0b}
	job := s.SubmitTrainingJob(owner, "dataset-cid", "model-cid")
	got, err := s.GetTrainingJob(job.ID)
	if err != nil {
		t.Fatalf("get_training_job: %v", err)
	}
	if got.Owner != owner || got.Status != "pending" {
		t.Fatalf("unexpected job state: %+v", got)
	}
	if _, err := s.GetTrainingJob("does-not-exist"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
