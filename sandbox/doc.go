// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the session engine for running untrusted
// code in isolated, container-backed environments. A Session owns one live
// container: Open starts it, ExecuteCommand runs single commands with
// buffered or streamed output, Run stages source code and drives a language
// handler's install/run plan, and Close tears the container down. Docker,
// Podman and local (development only) backends are supported.
//
// Streamed output is delivered through optional per-call callbacks invoked
// synchronously, in arrival order, while the full text is accumulated into
// the returned ConsoleOutput. A SessionPool amortizes container startup by
// leasing previously opened sessions, and ArtifactSession recovers files
// generated by executed code, such as plot images.
//
// Usage:
//
//	session, err := sandbox.NewDockerSession(sandbox.SessionConfig{Language: "python"}, logger)
//	if err := session.Open(ctx); err != nil { ... }
//	defer session.Close(ctx)
//
//	result, err := session.Run(ctx, "print('Hello, World!')",
//	    sandbox.WithStdoutCallback(func(chunk string) { fmt.Print(chunk) }))
package sandbox
