// Package process supervises the mesh gateway daemon when the bridge is
// configured to run it as a child process.
//
// The manager starts the binary in its own process group, forwards its
// output to the logger line by line and restarts it after unexpected
// exits with exponential backoff. A run longer than StableThreshold resets
// the backoff. An exit with EX_CONFIG (78) is permanent.
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "meshd",
//	    Binary:           "/usr/local/bin/meshd",
//	    Args:             []string{"--socket", "/run/meshd.sock"},
//	    RestartOnFailure: true,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
