// Package tetrifact is a content-addressable artifact repository.
//
// Clients publish immutable _packages_:
// named sets of files,
// typically the output of a build.
// Every file is stored under the hash of its content,
// so a file that appears in many packages occupies disk space once.
// Each stored file keeps a record of the packages that use it,
// its _subscribers_,
// and is removed only when the last subscriber is gone.
//
// Consecutive builds tend to differ by a little,
// so a file that changed since the previous package
// may be stored as a binary patch against that package's version of it.
// Reading such a file means walking back along the chain of
// predecessors to the nearest full copy
// and applying patches forward again,
// a process called _rehydration_.
// Rehydrated results are cached.
//
// A package is described by its Manifest.
// Which manifests are current,
// which package is the project's head,
// and which packages depend on which for their patches
// is recorded in a transaction log:
// a series of directories of small pointer files,
// each one an immutable snapshot committed with a single rename.
//
// This package holds the types shared by the rest of the module:
// manifests, file identifiers, and errors.
// Subpackages implement the storage layers
// (blob, delta, index, txn),
// package creation (workspace),
// retrieval (archive),
// and retention (prune, clean).
// Package repository puts them together.
package tetrifact
