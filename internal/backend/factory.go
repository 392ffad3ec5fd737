package backend

import (
	"context"
	"errors"
	"fmt"

	"chirri/internal/common"
	"chirri/internal/storage"
)

// Storage types accepted in the storage_type attribute.
const (
	TypeLocal = "local"
	TypeGCS   = "gs"
)

// Backend configuration attributes, all exported into config backups.
const (
	AttrLocalDir       = "sm_local_storage_dir"
	AttrGCSBucket      = "sm_gs_bucket"
	AttrGCSFolder      = "sm_gs_folder"
	AttrGCSCredentials = "sm_gs_json_creds_file"
)

// Keys returns the configuration attributes a storage type needs.
func Keys(storageType string) ([]string, error) {
	switch storageType {
	case TypeLocal:
		return []string{AttrLocalDir}, nil
	case TypeGCS:
		return []string{AttrGCSBucket, AttrGCSFolder, AttrGCSCredentials}, nil
	}
	return nil, fmt.Errorf("%w: storage type %q", common.ErrNotSupported, storageType)
}

// optionalStr reads a str attribute, treating a missing key as "".
func optionalStr(ctx context.Context, db *storage.BunDB, key string) (string, error) {
	v, err := db.GetStr(ctx, key)
	if errors.Is(err, common.ErrUnknownAttribute) {
		return "", nil
	}
	return v, err
}

// FromIndex builds the backend configured in the index attributes.
func FromIndex(ctx context.Context, db *storage.BunDB) (Backend, error) {
	storageType, err := db.GetStr(ctx, storage.AttrStorageType)
	if err != nil {
		return nil, err
	}
	switch storageType {
	case TypeLocal:
		dir, err := optionalStr(ctx, db, AttrLocalDir)
		if err != nil {
			return nil, err
		}
		return NewLocal(dir)
	case TypeGCS:
		var opts GCSOptions
		for key, dst := range map[string]*string{
			AttrGCSBucket:      &opts.Bucket,
			AttrGCSFolder:      &opts.Folder,
			AttrGCSCredentials: &opts.CredentialsFile,
		} {
			if *dst, err = optionalStr(ctx, db, key); err != nil {
				return nil, err
			}
		}
		return NewGCS(ctx, opts)
	case "":
		return nil, fmt.Errorf("%w: storage_type is not configured", common.ErrInvalidState)
	}
	return nil, fmt.Errorf("%w: storage type %q", common.ErrNotSupported, storageType)
}
