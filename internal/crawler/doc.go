// Package crawler holds the domain types, collaborator interfaces, sentinel
// errors, URL helpers and the retry policy shared by the acquisition pipeline.
package crawler
