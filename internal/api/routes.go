package api

import (
	"net/http"

	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/store"
	"github.com/google/uuid"
)

// declare lists every endpoint. Protected marks calls the request gate
// counts when full service-level protection is off.
func (a *API) declare() []endpoint {
	accounts := crud[store.Account]{controller: "account", repo: a.store.Accounts, logger: a.logger}
	users := crud[store.User]{controller: "user", repo: a.store.Users, logger: a.logger}
	products := crud[store.Product]{controller: "product", repo: a.store.Products, logger: a.logger}
	licenses := crud[store.License]{controller: "license", repo: a.store.Licenses, logger: a.logger}
	telemetry := crud[store.Telemetry]{controller: "telemetry", repo: a.store.Telemetry, logger: a.logger}

	return []endpoint{
		route(http.MethodGet, "info", "", true, a.info),

		route(http.MethodGet, "license", "getall", false, licenses.list),
		route(http.MethodGet, "license", "get/byid/{id}", false, licenses.get),
		route(http.MethodGet, "license", "get/byuserid/{userid}", false, licenses.findAll(func(r *http.Request, l store.License) bool {
			return urlParamIs(r, "userid", l.UserID)
		})),
		route(http.MethodGet, "license", "get/bylicensenumber/{licensenumber}", true, licenses.findOne(func(r *http.Request, l store.License) bool {
			return urlParamIs(r, "licensenumber", l.LicenseNumber)
		})),
		route(http.MethodGet, "license", "get/bylicensenumber/active/{licensenumber}", true, licenses.findOne(func(r *http.Request, l store.License) bool {
			return l.IsActive && urlParamIs(r, "licensenumber", l.LicenseNumber)
		})),
		route(http.MethodPost, "license", "create/newlicense", true, licenses.create(func(l *store.License) {
			if l.LicenseNumber == "" {
				l.LicenseNumber = uuid.NewString()
			}
		})),
		route(http.MethodPut, "license", "update/{id}", false, licenses.update),
		route(http.MethodDelete, "license", "delete/byid/{id}", false, licenses.remove),
		route(http.MethodDelete, "license", "delete/bylicensenumber/{licensenumber}", false, licenses.removeWhere(func(r *http.Request, l store.License) bool {
			return urlParamIs(r, "licensenumber", l.LicenseNumber)
		})),

		route(http.MethodGet, "account", "getall", false, accounts.list),
		route(http.MethodGet, "account", "get/byid/{id}", false, accounts.get),
		route(http.MethodGet, "account", "get/byname/{name}", false, accounts.findAll(func(r *http.Request, acc store.Account) bool {
			return urlParamIs(r, "name", acc.Name)
		})),
		route(http.MethodGet, "account", "get/activebyname/{name}", false, accounts.findOne(func(r *http.Request, acc store.Account) bool {
			return acc.IsActive && urlParamIs(r, "name", acc.Name)
		})),
		route(http.MethodGet, "account", "get/activebyemail/{email}", false, accounts.findOne(func(r *http.Request, acc store.Account) bool {
			return acc.IsActive && urlParamIs(r, "email", acc.Email)
		})),
		route(http.MethodPost, "account", "create/newaccount", false, accounts.create(nil)),
		route(http.MethodPut, "account", "update/{id}", false, accounts.update),
		route(http.MethodDelete, "account", "delete/{id}", false, accounts.remove),

		route(http.MethodGet, "product", "getall", false, products.list),
		route(http.MethodGet, "product", "get/byid/{id}", false, products.get),
		route(http.MethodGet, "product", "get/byname/{name}", false, products.findAll(func(r *http.Request, p store.Product) bool {
			return urlParamIs(r, "name", p.Name)
		})),
		route(http.MethodPost, "product", "create/newproduct", false, products.create(nil)),
		route(http.MethodPut, "product", "update/{id}", false, products.update),
		route(http.MethodDelete, "product", "delete/{id}", false, products.remove),

		route(http.MethodGet, "user", "getall", false, users.list),
		route(http.MethodGet, "user", "get/byid/{id}", false, users.get),
		route(http.MethodGet, "user", "get/byusername/{username}", false, users.findOne(func(r *http.Request, u store.User) bool {
			return urlParamIs(r, "username", u.UserName)
		})),
		route(http.MethodGet, "user", "getactive/byusername/{username}", false, users.findOne(func(r *http.Request, u store.User) bool {
			return u.IsActive && urlParamIs(r, "username", u.UserName)
		})),
		route(http.MethodGet, "user", "get/byname/{firstname}/{lastname}", false, users.findAll(func(r *http.Request, u store.User) bool {
			return urlParamIs(r, "firstname", u.FirstName) && urlParamIs(r, "lastname", u.LastName)
		})),
		route(http.MethodPost, "user", "create/newuser", false, users.create(nil)),
		route(http.MethodPut, "user", "update/byid/{id}", false, users.update),
		route(http.MethodDelete, "user", "delete/{id}", false, users.remove),

		route(http.MethodGet, "telemetry", "getall", false, telemetry.list),
		route(http.MethodGet, "telemetry", "get/byid/{id}", false, telemetry.get),
		route(http.MethodGet, "telemetry", "get/byip/{ip}", false, telemetry.findAll(func(r *http.Request, t store.Telemetry) bool {
			return urlParamIs(r, "ip", t.IP)
		})),
		route(http.MethodGet, "telemetry", "get/bylicenseid/{licenseid}", false, telemetry.findAll(func(r *http.Request, t store.Telemetry) bool {
			return urlParamIs(r, "licenseid", t.LicenseID)
		})),
		route(http.MethodPost, "telemetry", "create/newtelemetry", true, telemetry.create(nil)),
		route(http.MethodPut, "telemetry", "update/{id}", false, telemetry.update),
		route(http.MethodDelete, "telemetry", "delete/{id}", false, telemetry.remove),
	}
}

func route(method, controller, template string, protected bool, h http.HandlerFunc) endpoint {
	return endpoint{
		Route: ddos.Route{
			Method:     method,
			Controller: controller,
			Template:   template,
			Protected:  protected,
		},
		handler: h,
	}
}
