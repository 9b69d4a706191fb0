// Package openfilter is a runtime for pipelines of frame-processing
// stages connected by flow-controlled transport channels.
//
// # Architecture
//
// A pipeline is a set of stages, each its own OS process, wired together
// by connection specs:
//
//	┌─────────────────────────────────────┐
//	│          Orchestrator               │  Process supervision,
//	│   (launch, wire, stop, exit code)   │  address allocation
//	└─────────────────────────────────────┘
//	           ↓ launches
//	┌─────────────────────────────────────┐
//	│            Stages                   │  Filter + Runner
//	│   (setup, receive/process/send)     │  lifecycle loop
//	└─────────────────────────────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│     Flow-Controlled Transport       │  Credit-based pull over
//	│   (producer channels, consumers)    │  websocket framing
//	└─────────────────────────────────────┘
//
// Stages share no memory. Every envelope a producer sends is held back
// until each registered consumer has explicitly requested it, so a slow
// consumer exerts backpressure instead of being flooded; delivery per
// channel is lossless and strictly ordered by msg_id.
//
// # Packages
//
//   - frame: topic-keyed frame batches and the wire envelope codec
//   - connspec: the scheme://host:port;mapping!option connection grammar
//   - router: topic mapping and multi-source batch merging
//   - transport: the credit-based producer/consumer channel protocol
//   - filter: the Filter interface and the stage lifecycle Runner
//   - orchestrator: multi-process pipeline supervision
//   - config: YAML pipeline definitions
//   - health, metric, errors, pkg/retry: runtime support
//
// The openfilter command under cmd/ ties these together: `openfilter run
// pipeline.yaml` supervises a pipeline, and stages without a command of
// their own execute the built-in identity stage.
package openfilter
