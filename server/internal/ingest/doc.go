// Package ingest accepts perfdata connections and hands decoded batches to a
// bounded queue.
//
// Each accepted connection carries exactly one ReadingBatch: the listener
// reads until EOF (bounded by a frame size limit and a read deadline), closes
// the connection, then offers the batch to the Queue without blocking. When
// the queue is full the batch is dropped and counted. Malformed frames are
// logged and counted; they never stop the accept loop.
//
// At most Config.MaxConns connections are read at once. Further connections
// are closed unread and counted as refused. Accept errors are retried with
// backoff; only Close ends Serve.
//
// Stats holds the observability counters for the whole pipeline: batches and
// readings received and processed, drops, malformed frames, and a latency
// histogram of batch application recorded by the processor.
package ingest
