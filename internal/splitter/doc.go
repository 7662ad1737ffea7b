// Package splitter checks the build contract that lets one source tree
// produce a server binary and a client binary.
//
// A server-side action handler must be a function literal passed directly
// to Scope.ServerAction (or Scope.Action with SideServer) in a file whose
// build constraint excludes the client tag. The client build declares the
// same action with a nil handler. The checker loads the packages twice,
// once per build, and reports every registration that breaks the contract:
//
//   - a handler literal compiled into the client build
//   - a handler that is not a literal (a named function, a variable, a
//     call result), which cannot be stripped per build
//   - a server action the client build never declares
//   - a server build registration without a handler
//   - an action name that is not a constant string
package splitter
