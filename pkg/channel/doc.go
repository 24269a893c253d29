// Package channel implements a single-slot handoff channel between one producer
// process and one consumer process.
//
// The payload lives in a named shared memory segment (package shm). Two named
// semaphores (package sem) coordinate the sides: empty counts the free slot and starts
// at 1, full counts the published payload and starts at 0. A producer transaction is
// Begin, write, End; the consumer's background loop waits on full and announces the
// payload, after which a consumer transaction is Begin, read, End.
//
// For a channel id, the segment is named id (or the first line of a key file) and the
// semaphores are id_sem_empty and id_sem_full. Semaphore names never follow the key
// file, so both sides agree on them whatever key file they use.
package channel
