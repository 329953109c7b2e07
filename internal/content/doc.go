// Package content manages the lifecycle of installed Capsium packages.
//
// The core components are:
//   - [Loader]: reads the config file and package_dir, extracts archives,
//     checks signatures and builds a [Snapshot]
//   - [RemoteSource]: mirrors the release named in an SSM parameter from S3
//     into package_dir
//   - [Manager]: stores the active snapshot using atomic.Pointer for lock-free reads
//   - [Watcher]: reloads on filesystem changes and new remote releases
//   - [Snapshot]: packages, their mount table and the effective config
package content
