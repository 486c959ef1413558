// Package schild provides authentication and authorization: session,
// access token, HMAC and JWT authenticators behind a single interface,
// a remember me token protocol, a password policy pipeline and group and
// permission based authorization.
//
// Service:
//   - New takes an immutable Config and the persistence ports (Stores).
//     Authenticators are registered by alias and resolved per request
//     through Service.Auth, which returns the request scoped Auth facade.
//   - Users resolved by the service are bound to a Permissions evaluator and
//     a TokenManager, so user.Can, user.InGroup and user.GenerateAccessToken
//     work wherever the user travels.
//
// Results and errors:
//   - Expected authentication failures are reported through Result with a
//     reason key (see Describe). Errors are reserved for misuse and
//     infrastructure failures and are go-errors values carrying text codes.
//
// Actions:
//   - Email2FA and EmailActivator run after login or registration when
//     configured in Config.Actions. The login stays pending until the code
//     mailed to the user is verified.
//
// Event sinks:
//   - EventSink receives login, logout, register, failedLogin and magicLogin
//     events. Sinks run best-effort, errors are logged. PrometheusSink
//     counts events by name and alias.
//
// Storage adapters live in the repository package, session and rate limit
// stores in session and ratelimit, HTTP middleware in middleware/authware.
package schild
