// Package main provides the signerd worker CLI for server-driven iOS
// app signing.
//
// The worker is launched once per job, typically by the job server's
// scheduler:
//
//	signerd run --job=<id> --config=signerd.yml
//
// For the library API, see the subpackages under pkg/:
//
//	import "github.com/signtools/signerd/pkg/job"
package main
