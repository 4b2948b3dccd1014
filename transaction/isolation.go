package transaction

// IsolationLevel controls how a transaction uses shared locks
type IsolationLevel uint

const (
	// LevelReadUncommitted reads without shared locks; requesting one is an
	// error
	LevelReadUncommitted IsolationLevel = iota
	// LevelReadCommitted takes shared locks but releases them early, so
	// unlocking does not end the growing phase
	LevelReadCommitted
	// LevelRepeatableRead holds shared locks to the end; the first unlock
	// moves the transaction to its shrinking phase
	LevelRepeatableRead

	// DefaultLevel is REPEATABLE READ, the strictest level supported
	DefaultLevel = LevelRepeatableRead
)
