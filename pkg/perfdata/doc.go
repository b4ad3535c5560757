// Package perfdata defines the performance-data wire format shared by the
// agent and the server.
//
// A Batch is one PerformanceDataReadings protobuf message carrying an
// ordered list of Readings. Exactly one Batch is sent per TCP connection: the
// sender writes the encoded message and closes its side, the receiver reads
// until EOF and decodes.
//
//	message PerformanceDataReading {
//	  string path      = 1;
//	  string owner     = 2;
//	  uint64 timestamp = 3; // milliseconds since the Unix epoch
//	  repeated double value = 4;
//	}
//	message PerformanceDataReadings {
//	  repeated PerformanceDataReading message = 1;
//	}
//
// The codec is hand-written on top of protowire so no generated code is
// needed. Unknown fields are skipped, and repeated values are accepted both
// packed and unpacked. Marshal emits unpacked values for compatibility with
// proto2 readers.
package perfdata
