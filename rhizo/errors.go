package rhizo

import "github.com/rhizodata/rhizo/rhizoerr"

var errTransactionsDisabled = rhizoerr.New(rhizoerr.KindIO, "rhizo: transactions are disabled (enable_transactions=false)")
