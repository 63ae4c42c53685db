// Package tailer follows sets of log files matched by a glob, remembering a
// byte offset per file so reading resumes across restarts and rotations.
// Lines are turned into records by a Handler chosen per parser.
package tailer
