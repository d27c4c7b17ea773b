package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

// ContextUserKey holds the authorized *credstore.UserProfile on the gin context.
const ContextUserKey = "session_user"

// ContextResultKey holds the guard Result on the gin context.
const ContextResultKey = "guard_result"

// Middleware gates a gin route: unauthenticated requests are redirected to the login
// entry point and unprivileged ones receive 403 naming the missing permission.
func Middleware(guard *Guard) gin.HandlerFunc {
	return handler(guard, true)
}

// APIMiddleware gates a JSON route. Unauthenticated requests receive 401 instead of a redirect.
func APIMiddleware(guard *Guard) gin.HandlerFunc {
	return handler(guard, false)
}

func handler(guard *Guard, redirect bool) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		result := guard.Evaluate(contextGin.Request.Context(), contextGin.Request.URL.RequestURI())
		contextGin.Set(ContextResultKey, result)
		switch result.Status {
		case StatusRedirecting:
			if !redirect || result.RedirectURL == "" {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "authentication_required",
					"message": result.Message,
				})
				return
			}
			contextGin.Redirect(http.StatusFound, result.RedirectURL)
			contextGin.Abort()
		case StatusDenied:
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "access_denied",
				"message": result.Message,
			})
		case StatusAuthorized:
			if result.User != nil {
				contextGin.Set(ContextUserKey, result.User)
			}
			contextGin.Next()
		default:
			contextGin.AbortWithStatus(http.StatusServiceUnavailable)
		}
	}
}

// UserFromContext returns the user stored by Middleware.
func UserFromContext(contextGin *gin.Context) (*credstore.UserProfile, bool) {
	value, found := contextGin.Get(ContextUserKey)
	if !found {
		return nil, false
	}
	user, ok := value.(*credstore.UserProfile)
	return user, ok && user != nil
}
