package engine

// Pinner asks the platform's cloud-sync client to keep a directory
// materialized on disk rather than dehydrated to a placeholder. The engine
// calls it once per pass for the remote root; implementations are provided
// by the host environment and may fail or do nothing. A Pin failure is
// logged and never aborts a pass.
type Pinner interface {
	Pin(dir string) error
}

// NopPinner ignores pin requests. Used when the platform offers no pinning
// mechanism and in tests.
type NopPinner struct{}

func (NopPinner) Pin(string) error { return nil }
