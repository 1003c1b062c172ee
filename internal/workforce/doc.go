// Package workforce is the singleton registry that introduces expectation
// managers to workers. It tracks who is connected, fans out join and
// disconnect notifications, and declares silent parties dead after a
// heartbeat timeout. It routes no job traffic: once introduced, workers and
// managers talk directly, so losing the workforce only prevents new joins.
package workforce
