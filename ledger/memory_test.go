package ledger_test

import (
	"testing"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/ledger"
	"github.com/ineyio/creditengine/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ce.LedgerStore {
		return ledger.NewMemoryStore()
	})
}
