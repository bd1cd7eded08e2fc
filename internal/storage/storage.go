// Package storage opens and caches object-store handles, one per
// storage secret.
package storage

import (
	"context"
	"time"
)

// ContainerName is the object-store container holding deployment files.
const ContainerName = "deploymentfiles"

// CentralStorage is the external object-store abstraction. Objects live
// at content-addressed remote paths; concurrent writers for distinct
// hashes never conflict.
type CentralStorage interface {
	// Startup prepares the handle (container creation, credential
	// validation) before first use.
	Startup(ctx context.Context) error

	// UploadFile copies the local file to the remote path.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// TryGetSasUrl mints a time-limited download URL for the remote
	// path. ok is false specifically when the object is not present;
	// any other failure is an error.
	TryGetSasUrl(ctx context.Context, remotePath string, expiry time.Time) (url string, ok bool, err error)
}

// Constructor builds a CentralStorage from a connection string, bound
// to a container. The registry takes it as a seam so tests and the
// composition root can supply the concrete client.
type Constructor func(ctx context.Context, connectionString, container string) (CentralStorage, error)
