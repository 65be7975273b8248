/*
Package mirrorctl is the root of the pypimirror module, a tool for mirroring
a PyPI-compatible Python package index onto local storage.

pypimirror replicates the upstream index incrementally with features including:
  - Serial-cursor replication with a crash-resumable todo list
  - Project, release and file filters
  - Content-addressed artifact storage with sha256 integrity checks
  - Optional PGP signature verification
  - TLS certificate validation
  - Concurrent project processing with a bounded worker pool
  - Atomic updates with file locking

The main packages are:

	github.com/pypimirror/pypimirror/internal/pypi    - PyPI wire formats, name normalization and versions
	github.com/pypimirror/pypimirror/internal/mirror  - Core mirroring logic and storage abstraction
	github.com/pypimirror/pypimirror/cmd/pypimirror   - Command-line interface
*/
package mirrorctl
