package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
	PersistSnapshotsQueue  string
	PendingDeliveriesQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_violations_queue",
	PersistSnapshotsQueue:  "persist_snapshots_queue",
	PendingDeliveriesQueue: "pending_deliveries_queue",
}
