// Package mcp exposes the job manager as Model Context Protocol tools over
// stdio.
//
// Tools:
//
//	extract_references  create a job, optionally waiting for its result
//	job_status          snapshot of one job, with its result when completed
//	job_cancel          cancel a pending or running job
//	job_list            summaries of every job, optionally filtered by status
//
// Tool errors are returned to the client as error results. The server never
// exits on a failed call.
package mcp
