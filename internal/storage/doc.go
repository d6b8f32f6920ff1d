// Package storage is the local file inventory of a mesh node: one flat
// directory whose regular files are the replicated set.
//
// # Model
//
// A stored file is just a name and its bytes. There are no checksums,
// versions or owners. The directory itself is the source of truth, so the
// store holds no in-memory index that could drift from disk after a crash or
// a manual copy.
//
// Names must be a single path element. Anything containing a separator, the
// special names "." and "..", or a leading dot is rejected by ValidName.
// Leading dots are reserved for in-flight transfers (TempPrefix), which is
// how a half-written download stays invisible to List and Open until it is
// renamed into place.
//
// # Concurrency
//
// DirStore is safe for concurrent use because every call goes straight to
// the filesystem. Two writers racing on the same name are not coordinated;
// the mesh treats files as write-once and accepts that risk.
//
// # Usage
//
//	store, err := storage.NewDirStore("/data")
//	if err != nil {
//	    return err // the one fatal start-up condition
//	}
//	names, _ := store.List()
package storage
