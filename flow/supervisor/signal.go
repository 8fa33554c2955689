package supervisor

import "syscall"

// terminationSignal is the graceful-stop signal sent before the grace
// period elapses and the Supervisor escalates to SIGKILL.
var terminationSignal = syscall.SIGTERM
