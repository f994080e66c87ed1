//go:build !unix

package heap

func defaultBackend() Backend { return goBackend{} }

func restartProcess() error { return ErrNoRestart }
