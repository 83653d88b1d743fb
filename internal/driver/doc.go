// Package driver launches the clip generation child process and bridges
// its progress reports into the push hub and the persistence layer.
package driver
