package model

// Version constants.
const (
	// SchemaVersion is the on-disk record layout version.
	SchemaVersion = "1"

	// EngineVersion is the rollcall engine version.
	EngineVersion = "0.1.0"
)

// DefaultIDBase is the first id handed out by an empty ledger.
const DefaultIDBase int64 = 100000
